package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func validEvent(runID string) Event {
	return Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Type:  TypeRunScheduled,
	}
}

func TestHubFlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Hour}, sink)
	defer func() { _ = hub.Close(context.Background()) }()

	for i := 0; i < 3; i++ {
		hub.Emit(validEvent("run-1"))
	}

	require.Eventually(t, func() bool {
		return sink.total() == 3 && sink.batchCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "a full batch flushes without waiting for the timer")
}

func TestHubFlushesPartialBatchOnTimer(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() { _ = hub.Close(context.Background()) }()

	hub.Emit(validEvent("run-1"))
	hub.Emit(validEvent("run-1"))

	require.Eventually(t, func() bool {
		return sink.total() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(validEvent("run-1"))
	}
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, 10, sink.total())
	require.True(t, sink.isClosed())

	// Emit after Close is a no-op; Close stays idempotent.
	hub.Emit(validEvent("run-1"))
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 10, sink.total())
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Type: TypeRunScheduled})                                  // missing run id and timestamp
	hub.Emit(Event{RunID: "r", TS: time.Now(), Type: Type("BOGUS")})         // unknown type
	hub.Emit(Event{RunID: "r", TS: time.Now(), Type: TypePageFetched})       // missing host/class
	hub.Emit(Event{RunID: "r", TS: time.Now(), Type: TypeWorkerSpawned})     // missing worker id
	hub.Emit(Event{RunID: "r", TS: time.Now(), Type: TypeJobFailed})         // worker id optional here
	hub.Emit(Event{RunID: "r", TS: time.Now(), Type: TypeRunCompleted, Dur: -1})

	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 1, sink.total(), "only the JOB_FAILED event is valid")
}

func TestNilHubAndNopEmitterAreSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(validEvent("run-1"))
	require.NoError(t, hub.Close(context.Background()))

	NopEmitter().Emit(validEvent("run-1"))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	base := Event{RunID: "r", TS: time.Now()}

	fetched := base
	fetched.Type = TypePageFetched
	fetched.Host = "example.com"
	fetched.StatusClass = Status2xx
	require.NoError(t, fetched.Validate())

	spawned := base
	spawned.Type = TypeWorkerSpawned
	require.Error(t, spawned.Validate())
	spawned.WorkerID = "w-1"
	require.NoError(t, spawned.Validate())

	scheduled := base
	scheduled.Type = TypeRunScheduled
	require.NoError(t, scheduled.Validate())
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
	require.Equal(t, StatusOther, ClassifyStatus(799))
}
