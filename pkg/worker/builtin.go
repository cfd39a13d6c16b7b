package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxResponseBodySize = 1024 * 1024

// RegisterBuiltins adds the callables every worker ships with: log, sleep
// and http_request. Deployments register their domain callables alongside
// these.
func RegisterBuiltins(registry *Registry, logger *slog.Logger) error {
	builtins := map[string]Callable{
		"log":          &logCallable{logger: logger},
		"sleep":        CallableFunc(sleepCallable),
		"http_request": &httpRequestCallable{client: &http.Client{Timeout: 30 * time.Second}},
	}

	for name, callable := range builtins {
		err := registry.Register(name, callable)
		if err != nil {
			return err
		}
	}

	return nil
}

type logCallable struct {
	logger *slog.Logger
}

func (c *logCallable) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	message, _ := args["message"].(string)
	if message == "" {
		message = "log step executed"
	}

	level := slog.LevelInfo
	if levelStr, ok := args["level"].(string); ok {
		switch strings.ToLower(levelStr) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	c.logger.Log(ctx, level, message)

	return map[string]any{"message": message}, nil
}

func sleepCallable(ctx context.Context, args map[string]any) (map[string]any, error) {
	durationStr, _ := args["duration"].(string)
	if durationStr == "" {
		return nil, errors.New("sleep requires a duration argument")
	}

	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		return nil, fmt.Errorf("invalid sleep duration %q: %w", durationStr, err)
	}

	select {
	case <-time.After(duration):
		return map[string]any{"slept": durationStr}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type httpRequestCallable struct {
	client *http.Client
}

func (c *httpRequestCallable) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return nil, errors.New("http_request requires a url argument")
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if bodyStr, ok := args["body"].(string); ok && bodyStr != "" {
		body = strings.NewReader(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if headers, ok := args["headers"].(map[string]any); ok {
		for name, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(name, valueStr)
			}
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("request returned status %d", resp.StatusCode)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(responseBody),
	}, nil
}
