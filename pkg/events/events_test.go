package events_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galeops/gale/pkg/events"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		name      string
		eventType events.EventType
		topic     string
		wantErr   bool
	}{
		{name: "dispatch", eventType: events.StepDispatchEvent, topic: events.DispatchTopic},
		{name: "completion", eventType: events.StepCompletionEvent, topic: events.CompletionTopic},
		{name: "unknown type", eventType: "step.heartbeat", wantErr: true},
		{name: "empty type", eventType: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, err := events.TopicFor(tt.eventType)

			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.topic, topic)
		})
	}
}
