package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PolygramInfo/IFC-RPC/errors"
	"github.com/PolygramInfo/IFC-RPC/testutil"
)

type recordingHandler struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (h *recordingHandler) Handle(_ context.Context, body []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bodies = append(h.bodies, append([]byte(nil), body...))
	return h.err
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bodies)
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop after cancel")
		}
	})
	return cancel
}

func TestWorker_ProcessesAndAcks(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	handler := &recordingHandler{}
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, "work", []byte("one")))
	require.NoError(t, queue.Enqueue(ctx, "work", []byte("two")))

	worker := NewWorker("test", queue, "work", handler, WithReceiveWait(time.Millisecond))
	runWorker(t, worker)

	require.Eventually(t, func() bool { return queue.AckCount() == 2 },
		2*time.Second, time.Millisecond)
	assert.Equal(t, 2, handler.calls())
	assert.Zero(t, queue.Len("work"))
}

func TestWorker_TransientFailureLeavesMessageUnacked(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	handler := &recordingHandler{err: errors.WrapTransient(errors.ErrStorageUnavailable, "stage", "Handle", "write")}
	require.NoError(t, queue.Enqueue(context.Background(), "work", []byte("one")))

	worker := NewWorker("test", queue, "work", handler, WithReceiveWait(time.Millisecond))
	runWorker(t, worker)

	require.Eventually(t, func() bool { return handler.calls() >= 1 },
		2*time.Second, time.Millisecond)
	assert.Zero(t, queue.AckCount(), "a transient failure must leave the message for redelivery")
}

func TestWorker_TerminalFailureSettles(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	handler := &recordingHandler{err: errors.WrapInvalid(errors.ErrInvalidData, "stage", "Handle", "decode")}
	require.NoError(t, queue.Enqueue(context.Background(), "work", []byte("one")))

	worker := NewWorker("test", queue, "work", handler, WithReceiveWait(time.Millisecond))
	runWorker(t, worker)

	require.Eventually(t, func() bool { return queue.AckCount() == 1 },
		2*time.Second, time.Millisecond)
	assert.Equal(t, 1, handler.calls(), "a terminal failure settles instead of redelivering")
}

func TestWorker_StopsOnCancel(t *testing.T) {
	queue := testutil.NewMemoryQueue()
	queue.ReceiveErr = errors.New("backend down")

	worker := NewWorker("test", queue, "work", HandlerFunc(func(context.Context, []byte) error { return nil }),
		WithErrorBackoff(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
