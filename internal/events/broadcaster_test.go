package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(4)
	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer s2.Close()

	b.Publish(Event{Type: EventWorkerState, WorkerID: "w1", From: "REGISTERING", To: "HEALTHY"})

	e1 := <-s1.C
	e2 := <-s2.C
	assert.Equal(t, "w1", e1.WorkerID)
	assert.Equal(t, e1.ID, e2.ID)
	assert.NotEmpty(t, e1.ID)
	assert.False(t, e1.Timestamp.IsZero())

	s1.Close()
	s1.Close()
	_, open := <-s1.C
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcaster_SlowSubscriberDrops(t *testing.T) {
	b := NewBroadcaster(1)
	s := b.Subscribe()
	defer s.Close()

	b.Publish(Event{Type: EventWorkerRegistered})
	b.Publish(Event{Type: EventWorkerRemoved})

	require.Len(t, s.C, 1)
	assert.Equal(t, uint64(1), s.Dropped())
	assert.Equal(t, EventWorkerRegistered, (<-s.C).Type)
}

func TestEvent_Concerns(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		model string
		want  bool
	}{
		{"intent for model", Event{Type: EventIntentCreated, ModelID: "llama"}, "llama", true},
		{"intent for other model", Event{Type: EventIntentCreated, ModelID: "bert"}, "llama", false},
		{"worker serving model", Event{Type: EventWorkerState, Data: map[string]string{DataModels: "bert,llama"}}, "llama", true},
		{"worker serving others", Event{Type: EventWorkerState, Data: map[string]string{DataModels: "bert"}}, "llama", false},
		{"no prefix match", Event{Type: EventWorkerRemoved, Data: map[string]string{DataModels: "llama-70b"}}, "llama", false},
		{"no models", Event{Type: EventWorkerRegistered}, "llama", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.Concerns(tt.model))
		})
	}
}
