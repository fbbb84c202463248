package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/coderag/internal/progress"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func drainEvents(ch <-chan progress.Event) []progress.Event {
	var events []progress.Event
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestIngestWritesVectorsBeforeMirrors(t *testing.T) {
	dir := t.TempDir()
	// a.go splits into two chunks at maxChars 10, b.go stays whole.
	writeFile(t, dir, "a.go", "aaaa\nbbbb\ncccc\ndddd")
	writeFile(t, dir, "b.go", "single")

	store := newFakeStore()
	embedder := &fakeEmbedder{dimension: 4}
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, embedder, broker, nil, IngestionConfig{
		BatchSize:     2,
		ChunkMaxChars: 10,
		ChunkOverlap:  0,
	})

	_, events, cancel := broker.Subscribe("repo1")
	defer cancel()

	require.NoError(t, engine.Run(context.Background(), "repo1", dir))

	want := []string{
		"doc:a.go",
		"embed:repo1:a.go:1-2|0",
		"mirror:a.go#0",
		"embed:repo1:a.go:3-4|1",
		"mirror:a.go#1",
		"finalize:repo1/a.go",
		"doc:b.go",
		"embed:repo1:b.go:1-1|0",
		"mirror:b.go#0",
		"finalize:repo1/b.go",
		"repo-indexed:repo1",
	}
	assert.Equal(t, want, store.ops)

	// Two batches of at most two chunks each.
	require.Len(t, embedder.batches, 2)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc\ndddd"}, embedder.batches[0])
	assert.Equal(t, []string{"single"}, embedder.batches[1])

	// Mirror rows carry the embedder's model name and a content hash.
	for _, m := range store.mirrors {
		assert.Equal(t, "fake-embed-1", m.EmbeddingModel)
		assert.Len(t, m.ChunkHash, 64)
	}

	evs := drainEvents(events)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, progress.PhaseIndexed, last.Phase)
	assert.Equal(t, progress.StatusComplete, last.Status)
	require.NotNil(t, last.Progress)
	assert.Equal(t, 100, *last.Progress)

	prev := -1
	for _, ev := range evs {
		if ev.Phase != progress.PhaseEmbedding || ev.Status != progress.StatusRunning {
			continue
		}
		require.NotNil(t, ev.Progress)
		assert.Greater(t, *ev.Progress, prev)
		prev = *ev.Progress
	}
	assert.Equal(t, 100, prev)
}

func TestIngestCountsChunksOnBothPhases(t *testing.T) {
	dir := t.TempDir()
	// Three chunks across two files.
	writeFile(t, dir, "a.go", "aaaa\nbbbb\ncccc\ndddd")
	writeFile(t, dir, "b.go", "single")

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4}, broker, nil, IngestionConfig{
		BatchSize:     2,
		ChunkMaxChars: 10,
		ChunkOverlap:  0,
	})

	_, events, cancel := broker.Subscribe("repo1")
	defer cancel()

	require.NoError(t, engine.Run(context.Background(), "repo1", dir))

	snap := broker.Snapshot("repo1")
	for _, phase := range []string{progress.PhaseEmbedding, progress.PhaseIndexing} {
		state := snap.Phases[phase]
		assert.Equal(t, progress.StatusComplete, state.Status, phase)
		require.NotNil(t, state.Processed, phase)
		require.NotNil(t, state.Total, phase)
		assert.Equal(t, 3, *state.Processed, phase)
		assert.Equal(t, 3, *state.Total, phase)
	}

	// Indexing progress events advance per chunk, not per file.
	var indexingCounts []int
	for _, ev := range drainEvents(events) {
		if ev.Phase == progress.PhaseIndexing && ev.Event == "progress" {
			require.NotNil(t, ev.Processed)
			indexingCounts = append(indexingCounts, *ev.Processed)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, indexingCounts)
}

func TestIngestEmitsStartAndFileIndexedEvents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "aaaa\nbbbb\ncccc\ndddd")
	writeFile(t, dir, "b.go", "single")

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4}, broker, nil, IngestionConfig{
		BatchSize:     2,
		ChunkMaxChars: 10,
		ChunkOverlap:  0,
	})

	_, events, cancel := broker.Subscribe("repo1")
	defer cancel()

	require.NoError(t, engine.Run(context.Background(), "repo1", dir))
	evs := drainEvents(events)

	starts := make(map[string]bool)
	var indexedPaths []string
	for _, ev := range evs {
		switch ev.Event {
		case progress.EventStart:
			starts[ev.Phase] = true
			require.NotNil(t, ev.Processed)
			assert.Equal(t, 0, *ev.Processed)
		case progress.EventFileIndexed:
			assert.Equal(t, progress.PhaseIndexing, ev.Phase)
			require.NotNil(t, ev.Message)
			indexedPaths = append(indexedPaths, *ev.Message)
		}
	}
	assert.True(t, starts[progress.PhaseEmbedding])
	assert.True(t, starts[progress.PhaseIndexing])
	// One completion event per file, in processing order.
	assert.Equal(t, []string{"a.go", "b.go"}, indexedPaths)
}

func TestIngestFirstBatchWithoutVectorsFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "content")

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 0}, broker, nil, IngestionConfig{})

	err := engine.Run(context.Background(), "repo1", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first batch")

	// A run that never produced a vector must not mark the repo indexed
	// or write anything past the document reset.
	assert.Empty(t, store.repoIndexed)
	assert.Empty(t, store.embeddings)
	assert.Equal(t, progress.OverallError, broker.Snapshot("repo1").Status)
}

func TestIngestShortEmbedderReplyFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "content")

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4, shortReply: true}, broker, nil, IngestionConfig{})

	err := engine.Run(context.Background(), "repo1", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vectors")
	assert.Empty(t, store.repoIndexed)
}

func TestIngestReusesDocumentWithinRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "aaaa\nbbbb\ncccc\ndddd")

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4}, broker, nil, IngestionConfig{
		BatchSize:     1,
		ChunkMaxChars: 10,
		ChunkOverlap:  0,
	})

	require.NoError(t, engine.Run(context.Background(), "repo1", dir))

	// Both chunks land in separate batches, but the document is only
	// reset on first touch and finalized once.
	assert.Equal(t, 1, store.docResets["a.go"])
	assert.Equal(t, []string{"repo1/a.go"}, store.finalized)
}

func TestIngestEmptyRepoShortCircuits(t *testing.T) {
	dir := t.TempDir()

	store := newFakeStore()
	embedder := &fakeEmbedder{dimension: 4}
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, embedder, broker, nil, IngestionConfig{})

	_, events, cancel := broker.Subscribe("empty")
	defer cancel()

	require.NoError(t, engine.Run(context.Background(), "empty", dir))

	assert.Empty(t, embedder.batches)
	assert.Equal(t, []string{"empty"}, store.repoIndexed)

	evs := drainEvents(events)
	require.Len(t, evs, 3)
	assert.Equal(t, progress.PhaseEmbedding, evs[0].Phase)
	assert.Equal(t, progress.StatusComplete, evs[0].Status)
	assert.Equal(t, progress.PhaseIndexing, evs[1].Phase)
	assert.Equal(t, progress.PhaseIndexed, evs[2].Phase)
	require.NotNil(t, evs[2].Progress)
	assert.Equal(t, 100, *evs[2].Progress)
}

func TestIngestEmbedFailureBroadcastsError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "content")

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4, failBatch: 1}, broker, nil, IngestionConfig{})

	_, events, cancel := broker.Subscribe("repo1")
	defer cancel()

	err := engine.Run(context.Background(), "repo1", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding backend unavailable")

	assert.Empty(t, store.repoIndexed)

	snap := broker.Snapshot("repo1")
	assert.Equal(t, progress.OverallError, snap.Status)
	assert.Equal(t, progress.StatusError, snap.Phases[progress.PhaseEmbedding].Status)
	assert.Equal(t, progress.StatusError, snap.Phases[progress.PhaseIndexing].Status)

	evs := drainEvents(events)
	var sawBroadcast bool
	for _, ev := range evs {
		if ev.Phase == progress.PhaseError {
			sawBroadcast = true
			require.NotNil(t, ev.Message)
			assert.Contains(t, *ev.Message, "embedding backend unavailable")
		}
	}
	assert.True(t, sawBroadcast)
}

func TestIngestSkipsHiddenAndUnreadable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "visible.go", "keep me")
	writeFile(t, dir, ".env", "SECRET=1")
	writeFile(t, dir, filepath.Join(".git", "config"), "[core]")
	writeFile(t, dir, filepath.Join("nested", ".hidden", "x.go"), "skip")
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "broken.go")))

	store := newFakeStore()
	embedder := &fakeEmbedder{dimension: 4}
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, embedder, broker, nil, IngestionConfig{})

	require.NoError(t, engine.Run(context.Background(), "repo1", dir))

	require.Len(t, embedder.batches, 1)
	assert.Equal(t, []string{"keep me"}, embedder.batches[0])
	assert.Equal(t, 1, store.docResets["visible.go"])
}

func TestIngestCancelledBetweenBatches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "content")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4}, broker, nil, IngestionConfig{})

	err := engine.Run(ctx, "repo1", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Empty(t, store.repoIndexed)
	assert.Equal(t, progress.OverallError, broker.Snapshot("repo1").Status)
}

func TestIngestDedupesPercentEvents(t *testing.T) {
	dir := t.TempDir()
	// 200 single-line chunks: consecutive chunks often map to the same
	// integer percent, which must not produce duplicate events.
	writeFile(t, dir, "big.txt", strings.TrimSuffix(strings.Repeat("xxxx\n", 200), "\n"))

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4}, broker, nil, IngestionConfig{
		BatchSize:     50,
		ChunkMaxChars: 5,
		ChunkOverlap:  0,
	})

	_, events, cancel := broker.Subscribe("repo1")

	// Drain while ingesting so the bounded subscriber channel never
	// drops events during the run.
	var collected []progress.Event
	done := make(chan struct{})
	go func() {
		for ev := range events {
			collected = append(collected, ev)
		}
		close(done)
	}()

	require.NoError(t, engine.Run(context.Background(), "repo1", dir))
	cancel()
	<-done

	seen := make(map[int]bool)
	running := 0
	for _, ev := range collected {
		if ev.Phase != progress.PhaseEmbedding || ev.Status != progress.StatusRunning {
			continue
		}
		require.NotNil(t, ev.Progress)
		assert.False(t, seen[*ev.Progress], "duplicate progress event at %d", *ev.Progress)
		seen[*ev.Progress] = true
		running++
	}
	// 200 chunks collapse onto at most 101 distinct percentages.
	assert.LessOrEqual(t, running, 101)
	assert.True(t, seen[100])
}

func TestStartRunsInBackground(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "content")

	store := newFakeStore()
	broker := progress.NewInMemoryBroker()
	engine := NewIngestionEngine(store, &fakeEmbedder{dimension: 4}, broker, nil, IngestionConfig{})

	_, events, cancel := broker.Subscribe("repo1")
	defer cancel()

	engine.Start("repo1", dir)

	for ev := range events {
		if ev.Phase == progress.PhaseIndexed {
			assert.Equal(t, progress.StatusComplete, ev.Status)
			return
		}
		if ev.Phase == progress.PhaseError {
			t.Fatalf("unexpected error broadcast: %+v", ev)
		}
	}
	t.Fatal("event stream closed before completion")
}
