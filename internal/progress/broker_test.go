package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateComputesProgress(t *testing.T) {
	b := NewInMemoryBroker()

	snap := b.Update("r1", PhaseEmbedding, StatusRunning, Update{Processed: Int(3), Total: Int(12)})

	phase := snap.Phases[PhaseEmbedding]
	require.NotNil(t, phase.Progress)
	assert.Equal(t, 25, *phase.Progress)
	assert.Equal(t, StatusRunning, phase.Status)
}

func TestUpdateOmitsProgressWhenTotalUnknown(t *testing.T) {
	b := NewInMemoryBroker()

	snap := b.Update("r1", PhaseEmbedding, StatusRunning, Update{Processed: Int(3)})
	assert.Nil(t, snap.Phases[PhaseEmbedding].Progress)

	snap = b.Update("r1", PhaseEmbedding, StatusRunning, Update{Total: Int(0)})
	assert.Nil(t, snap.Phases[PhaseEmbedding].Progress)
}

func TestUpdateClampsProgress(t *testing.T) {
	b := NewInMemoryBroker()

	snap := b.Update("r1", PhaseIndexing, StatusRunning, Update{Processed: Int(15), Total: Int(10)})
	require.NotNil(t, snap.Phases[PhaseIndexing].Progress)
	assert.Equal(t, 100, *snap.Phases[PhaseIndexing].Progress)
}

func TestUpdatePreservesCountsAcrossUpdates(t *testing.T) {
	b := NewInMemoryBroker()

	b.Update("r1", PhaseIndexing, StatusRunning, Update{Processed: Int(2), Total: Int(8)})
	snap := b.Update("r1", PhaseIndexing, StatusRunning, Update{Processed: Int(4)})

	phase := snap.Phases[PhaseIndexing]
	require.NotNil(t, phase.Total)
	assert.Equal(t, 8, *phase.Total)
	require.NotNil(t, phase.Progress)
	assert.Equal(t, 50, *phase.Progress)
}

func TestOverallPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		phases map[string]PhaseState
		want   string
	}{
		{
			name:   "empty",
			phases: map[string]PhaseState{},
			want:   OverallUnknown,
		},
		{
			name: "upload running",
			phases: map[string]PhaseState{
				PhaseUpload: {Status: StatusRunning},
			},
			want: OverallUpload,
		},
		{
			name: "embedding complete still indexing",
			phases: map[string]PhaseState{
				PhaseUpload:    {Status: StatusComplete},
				PhaseEmbedding: {Status: StatusComplete},
			},
			want: OverallIndexing,
		},
		{
			name: "indexing running beats embedding",
			phases: map[string]PhaseState{
				PhaseEmbedding: {Status: StatusComplete},
				PhaseIndexing:  {Status: StatusRunning},
			},
			want: OverallIndexing,
		},
		{
			name: "indexing complete means indexed",
			phases: map[string]PhaseState{
				PhaseEmbedding: {Status: StatusComplete},
				PhaseIndexing:  {Status: StatusComplete},
			},
			want: OverallIndexed,
		},
		{
			name: "error beats everything",
			phases: map[string]PhaseState{
				PhaseEmbedding: {Status: StatusError},
				PhaseIndexing:  {Status: StatusComplete},
			},
			want: OverallError,
		},
		{
			name: "upload complete alone is unknown",
			phases: map[string]PhaseState{
				PhaseUpload: {Status: StatusComplete},
			},
			want: OverallUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, _ := overall(tt.phases)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOverallViaUpdates(t *testing.T) {
	b := NewInMemoryBroker()

	b.Update("r1", PhaseUpload, StatusRunning, Update{})
	assert.Equal(t, OverallUpload, b.Snapshot("r1").Status)

	b.Update("r1", PhaseUpload, StatusComplete, Update{})
	b.Update("r1", PhaseEmbedding, StatusRunning, Update{Processed: Int(0), Total: Int(4)})
	assert.Equal(t, OverallIndexing, b.Snapshot("r1").Status)

	b.Update("r1", PhaseEmbedding, StatusComplete, Update{Processed: Int(4), Total: Int(4)})
	b.Update("r1", PhaseIndexing, StatusComplete, Update{Processed: Int(4), Total: Int(4)})
	assert.Equal(t, OverallIndexed, b.Snapshot("r1").Status)
}

func TestSnapshotUnknownRepo(t *testing.T) {
	b := NewInMemoryBroker()

	snap := b.Snapshot("nope")
	assert.Equal(t, OverallUnknown, snap.Status)
	assert.Empty(t, snap.Phases)
}

func TestSnapshotIsDetached(t *testing.T) {
	b := NewInMemoryBroker()

	snap := b.Update("r1", PhaseEmbedding, StatusRunning, Update{})
	snap.Phases[PhaseEmbedding] = PhaseState{Status: StatusError}

	assert.Equal(t, StatusRunning, b.Snapshot("r1").Phases[PhaseEmbedding].Status)
}

func TestSubscribeNoGapNoDuplicate(t *testing.T) {
	b := NewInMemoryBroker()

	b.Update("r1", PhaseEmbedding, StatusRunning, Update{Processed: Int(1), Total: Int(4)})

	snap, ch, cancel := b.Subscribe("r1")
	defer cancel()

	// Snapshot reflects the update issued before subscribing.
	require.NotNil(t, snap.Phases[PhaseEmbedding].Processed)
	assert.Equal(t, 1, *snap.Phases[PhaseEmbedding].Processed)

	// Nothing buffered yet: the pre-subscribe update is not replayed.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected buffered event: %+v", ev)
	default:
	}

	b.Update("r1", PhaseEmbedding, StatusRunning, Update{Processed: Int(2), Total: Int(4)})

	select {
	case ev := <-ch:
		assert.Equal(t, "task_update", ev.Type)
		assert.Equal(t, PhaseEmbedding, ev.Phase)
		assert.Equal(t, "progress", ev.Event)
		require.NotNil(t, ev.Processed)
		assert.Equal(t, 2, *ev.Processed)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeEventNameForTerminalStates(t *testing.T) {
	b := NewInMemoryBroker()

	_, ch, cancel := b.Subscribe("r1")
	defer cancel()

	b.Update("r1", PhaseIndexing, StatusComplete, Update{Processed: Int(4), Total: Int(4)})

	ev := <-ch
	assert.Equal(t, "complete", ev.Event)
	assert.Equal(t, StatusComplete, ev.Status)
}

func TestSubscribeEventNameOverride(t *testing.T) {
	b := NewInMemoryBroker()

	_, ch, cancel := b.Subscribe("r1")
	defer cancel()

	b.Update("r1", PhaseIndexing, StatusRunning, Update{Event: EventFileIndexed, Message: Str("a.go")})
	b.Update("r1", PhaseIndexing, StatusRunning, Update{Processed: Int(1), Total: Int(4)})

	ev := <-ch
	assert.Equal(t, EventFileIndexed, ev.Event)
	assert.Equal(t, StatusRunning, ev.Status)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "a.go", *ev.Message)

	// Without an override the name falls back to the status mapping.
	ev = <-ch
	assert.Equal(t, "progress", ev.Event)
}

func TestSlowSubscriberDropsEventsWithoutBlocking(t *testing.T) {
	b := NewInMemoryBroker()

	_, ch, cancel := b.Subscribe("r1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Update("r1", PhaseEmbedding, StatusRunning, Update{Processed: Int(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}

	assert.Len(t, ch, subscriberBuffer)
}

func TestCancelIsIdempotent(t *testing.T) {
	b := NewInMemoryBroker()

	_, _, cancel := b.Subscribe("r1")
	cancel()
	cancel()

	// Updates after cancel must not panic on the closed channel.
	b.Update("r1", PhaseEmbedding, StatusRunning, Update{})
}

func TestReposAreIsolated(t *testing.T) {
	b := NewInMemoryBroker()

	_, ch, cancel := b.Subscribe("r1")
	defer cancel()

	b.Update("r2", PhaseEmbedding, StatusRunning, Update{})

	select {
	case ev := <-ch:
		t.Fatalf("event leaked across repos: %+v", ev)
	default:
	}
	assert.Equal(t, OverallIndexing, b.Snapshot("r2").Status)
	assert.Equal(t, OverallUnknown, b.Snapshot("r1").Status)
}
