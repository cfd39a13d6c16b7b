// Package redis provides a Redis-backed store. Records are JSON values and
// every compare-and-swap write runs as a Lua script, which gives the same
// atomicity the SQL backend gets from conditional UPDATEs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/galeops/gale/pkg/models"
	"github.com/galeops/gale/pkg/store"
)

const (
	connectTimeout   = 5 * time.Second
	defaultListLimit = 20
)

// Store implements store.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	logger *slog.Logger
}

// NewStore connects to Redis using a redis:// URL.
func NewStore(ctx context.Context, logger *slog.Logger, redisURL string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", opts.Addr, "db", opts.DB)

	return &Store{client: client, logger: logger}, nil
}

func definitionKey(name string, version int) string {
	return "gale:workflow:" + name + ":v:" + strconv.Itoa(version)
}

func definitionLatestKey(name string) string { return "gale:workflow:" + name + ":latest" }

func scheduleKey(workflowName string) string { return "gale:schedule:" + workflowName }

func runKey(id string) string { return "gale:run:" + id }

func activeRunKey(workflowName string) string { return "gale:run:active:" + workflowName }

func runStepsKey(runID string) string { return "gale:run:" + runID + ":steps" }

func stepKey(id string) string { return "gale:step:" + id }

const (
	workflowNamesKey = "gale:workflows"
	dueSchedulesKey  = "gale:schedules:due"
	liveRunsKey      = "gale:runs:live"
	runsByStartKey   = "gale:runs:started"
)

func runsByStartWorkflowKey(workflowName string) string {
	return runsByStartKey + ":" + workflowName
}

// The scripts reject stale writes by comparing the rev inside the stored JSON
// document against the caller's expected rev. Error replies are matched by
// message on the Go side.

var saveScheduleScript = goredis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current then
		if cjson.decode(current)['rev'] ~= tonumber(ARGV[1]) then
			return redis.error_reply('version conflict')
		end
	end
	redis.call('SET', KEYS[1], ARGV[2])
	if ARGV[4] == '1' then
		redis.call('ZADD', KEYS[2], ARGV[5], ARGV[3])
	else
		redis.call('ZREM', KEYS[2], ARGV[3])
	end
	return 'OK'
`)

var createRunScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return redis.error_reply('run already active')
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
	redis.call('SADD', KEYS[3], ARGV[1])
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
	redis.call('ZADD', KEYS[5], ARGV[3], ARGV[1])
	return 'OK'
`)

var updateRunScript = goredis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if not current then
		return redis.error_reply('not found')
	end
	if cjson.decode(current)['rev'] ~= tonumber(ARGV[1]) then
		return redis.error_reply('version conflict')
	end
	redis.call('SET', KEYS[1], ARGV[2])
	if ARGV[3] == '1' then
		redis.call('DEL', KEYS[2])
		redis.call('SREM', KEYS[3], ARGV[4])
	end
	return 'OK'
`)

var updateStepScript = goredis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if not current then
		return redis.error_reply('not found')
	end
	if cjson.decode(current)['rev'] ~= tonumber(ARGV[1]) then
		return redis.error_reply('version conflict')
	end
	redis.call('SET', KEYS[1], ARGV[2])
	return 'OK'
`)

func isScriptError(err error, message string) bool {
	return err != nil && strings.Contains(err.Error(), message)
}

func (s *Store) RegisterDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	version, err := s.client.Incr(ctx, definitionLatestKey(def.Name)).Result()
	if err != nil {
		return fmt.Errorf("failed to assign definition version: %w", err)
	}

	def.Version = int(version)
	def.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, definitionKey(def.Name, def.Version), payload, 0)
	pipe.SAdd(ctx, workflowNamesKey, def.Name)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to store definition: %w", err)
	}

	return nil
}

func (s *Store) Definition(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	latest, err := s.client.Get(ctx, definitionLatestKey(name)).Int()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("definition %q: %w", name, store.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to read latest definition version: %w", err)
	}

	return s.DefinitionVersion(ctx, name, latest)
}

func (s *Store) DefinitionVersion(ctx context.Context, name string, version int) (*models.WorkflowDefinition, error) {
	payload, err := s.client.Get(ctx, definitionKey(name, version)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("definition %q version %d: %w", name, version, store.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to read definition: %w", err)
	}

	var def models.WorkflowDefinition

	err = json.Unmarshal(payload, &def)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	return &def, nil
}

func (s *Store) Definitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	names, err := s.client.SMembers(ctx, workflowNamesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow names: %w", err)
	}

	sort.Strings(names)

	defs := make([]*models.WorkflowDefinition, 0, len(names))

	for _, name := range names {
		def, err := s.Definition(ctx, name)
		if err != nil {
			if store.IsWorkflowNotFound(err) {
				continue
			}

			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, nil
}

func (s *Store) SaveSchedule(ctx context.Context, schedule *models.TriggerSchedule) error {
	expected := schedule.Rev
	schedule.Rev++

	payload, err := json.Marshal(schedule)
	if err != nil {
		schedule.Rev = expected

		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	active := "0"
	if schedule.Active {
		active = "1"
	}

	err = saveScheduleScript.Run(ctx, s.client,
		[]string{scheduleKey(schedule.WorkflowName), dueSchedulesKey},
		expected, payload, schedule.WorkflowName, active, schedule.NextDueAt.UnixNano(),
	).Err()
	if err != nil {
		schedule.Rev = expected

		if isScriptError(err, "version conflict") {
			return fmt.Errorf("schedule %q: %w", schedule.WorkflowName, store.ErrVersionConflict)
		}

		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

func (s *Store) Schedule(ctx context.Context, workflowName string) (*models.TriggerSchedule, error) {
	payload, err := s.client.Get(ctx, scheduleKey(workflowName)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("schedule %q: %w", workflowName, store.ErrScheduleNotFound)
		}

		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}

	var schedule models.TriggerSchedule

	err = json.Unmarshal(payload, &schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}

	return &schedule, nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*models.TriggerSchedule, error) {
	names, err := s.client.ZRangeByScore(ctx, dueSchedulesKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query due schedules: %w", err)
	}

	sort.Strings(names)

	schedules := make([]*models.TriggerSchedule, 0, len(names))

	for _, name := range names {
		schedule, err := s.Schedule(ctx, name)
		if err != nil {
			if store.IsScheduleNotFound(err) {
				continue
			}

			return nil, err
		}

		schedules = append(schedules, schedule)
	}

	return schedules, nil
}

func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	run.Rev = 1

	payload, err := json.Marshal(run)
	if err != nil {
		run.Rev = 0

		return fmt.Errorf("failed to marshal run: %w", err)
	}

	err = createRunScript.Run(ctx, s.client,
		[]string{
			activeRunKey(run.WorkflowName),
			runKey(run.ID),
			liveRunsKey,
			runsByStartKey,
			runsByStartWorkflowKey(run.WorkflowName),
		},
		run.ID, payload, run.StartedAt.UnixNano(),
	).Err()
	if err != nil {
		run.Rev = 0

		if isScriptError(err, "run already active") {
			return fmt.Errorf("workflow %q: %w", run.WorkflowName, store.ErrRunAlreadyActive)
		}

		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (s *Store) Run(ctx context.Context, id string) (*models.Run, error) {
	payload, err := s.client.Get(ctx, runKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("run %q: %w", id, store.ErrRunNotFound)
		}

		return nil, fmt.Errorf("failed to read run: %w", err)
	}

	var run models.Run

	err = json.Unmarshal(payload, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &run, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *models.Run) error {
	expected := run.Rev
	run.Rev++

	payload, err := json.Marshal(run)
	if err != nil {
		run.Rev = expected

		return fmt.Errorf("failed to marshal run: %w", err)
	}

	terminal := "0"
	if run.State.Terminal() {
		terminal = "1"
	}

	err = updateRunScript.Run(ctx, s.client,
		[]string{runKey(run.ID), activeRunKey(run.WorkflowName), liveRunsKey},
		expected, payload, terminal, run.ID,
	).Err()
	if err != nil {
		run.Rev = expected

		if isScriptError(err, "version conflict") {
			return fmt.Errorf("run %q: %w", run.ID, store.ErrVersionConflict)
		}

		if isScriptError(err, "not found") {
			return fmt.Errorf("run %q: %w", run.ID, store.ErrRunNotFound)
		}

		return fmt.Errorf("failed to update run: %w", err)
	}

	return nil
}

func (s *Store) ListRuns(ctx context.Context, opts store.ListRunsOptions) ([]*models.Run, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	key := runsByStartKey
	if opts.WorkflowName != "" {
		key = runsByStartWorkflowKey(opts.WorkflowName)
	}

	max := "+inf"
	if !opts.Before.IsZero() {
		max = "(" + strconv.FormatInt(opts.Before.UnixNano(), 10)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	return s.runsByIDs(ctx, ids)
}

func (s *Store) ActiveRun(ctx context.Context, workflowName string) (*models.Run, error) {
	id, err := s.client.Get(ctx, activeRunKey(workflowName)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read active run marker: %w", err)
	}

	return s.Run(ctx, id)
}

func (s *Store) LiveRuns(ctx context.Context) ([]*models.Run, error) {
	ids, err := s.client.SMembers(ctx, liveRunsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live runs: %w", err)
	}

	sort.Strings(ids)

	return s.runsByIDs(ctx, ids)
}

func (s *Store) runsByIDs(ctx context.Context, ids []string) ([]*models.Run, error) {
	runs := make([]*models.Run, 0, len(ids))

	for _, id := range ids {
		run, err := s.Run(ctx, id)
		if err != nil {
			if store.IsRunNotFound(err) {
				continue
			}

			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (s *Store) CreateStep(ctx context.Context, step *models.StepInstance) error {
	step.Rev = 1

	payload, err := json.Marshal(step)
	if err != nil {
		step.Rev = 0

		return fmt.Errorf("failed to marshal step: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stepKey(step.ID), payload, 0)
	pipe.RPush(ctx, runStepsKey(step.RunID), step.ID)

	_, err = pipe.Exec(ctx)
	if err != nil {
		step.Rev = 0

		return fmt.Errorf("failed to create step: %w", err)
	}

	return nil
}

func (s *Store) Step(ctx context.Context, id string) (*models.StepInstance, error) {
	payload, err := s.client.Get(ctx, stepKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("step %q: %w", id, store.ErrStepNotFound)
		}

		return nil, fmt.Errorf("failed to read step: %w", err)
	}

	var step models.StepInstance

	err = json.Unmarshal(payload, &step)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal step: %w", err)
	}

	return &step, nil
}

func (s *Store) UpdateStep(ctx context.Context, step *models.StepInstance) error {
	expected := step.Rev
	step.Rev++

	payload, err := json.Marshal(step)
	if err != nil {
		step.Rev = expected

		return fmt.Errorf("failed to marshal step: %w", err)
	}

	err = updateStepScript.Run(ctx, s.client,
		[]string{stepKey(step.ID)},
		expected, payload,
	).Err()
	if err != nil {
		step.Rev = expected

		if isScriptError(err, "version conflict") {
			return fmt.Errorf("step %q: %w", step.ID, store.ErrVersionConflict)
		}

		if isScriptError(err, "not found") {
			return fmt.Errorf("step %q: %w", step.ID, store.ErrStepNotFound)
		}

		return fmt.Errorf("failed to update step: %w", err)
	}

	return nil
}

func (s *Store) StepsOfRun(ctx context.Context, runID string) ([]*models.StepInstance, error) {
	ids, err := s.client.LRange(ctx, runStepsKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}

	steps := make([]*models.StepInstance, 0, len(ids))

	for _, id := range ids {
		step, err := s.Step(ctx, id)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	return steps, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	return nil
}

func (s *Store) Close(ctx context.Context) error {
	err := s.client.Close()
	if err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}
