package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

func TestSubmitAndWait(t *testing.T) {
	p := New(2, 4, logger.Nop())
	defer p.Shutdown(context.Background()) //nolint:errcheck

	boom := errors.New("boom")
	ok, err := p.Submit(context.Background(), "ok", func(context.Context) error { return nil })
	require.NoError(t, err)
	bad, err := p.Submit(context.Background(), "bad", func(context.Context) error { return boom })
	require.NoError(t, err)

	assert.NoError(t, ok.Wait(context.Background()))
	assert.ErrorIs(t, bad.Wait(context.Background()), boom)
	assert.ErrorIs(t, bad.Err(), boom)
	assert.Equal(t, "bad", bad.Name())
}

func TestPanicIsRecorded(t *testing.T) {
	p := New(1, 1, logger.Nop())
	defer p.Shutdown(context.Background()) //nolint:errcheck

	h, err := p.Submit(context.Background(), "panics", func(context.Context) error { panic("kaboom") })
	require.NoError(t, err)

	err = h.Wait(context.Background())
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)

	// The worker survives the panic.
	h2, err := p.Submit(context.Background(), "after", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, h2.Wait(context.Background()))
}

func TestCancelRunningTask(t *testing.T) {
	p := New(1, 1, logger.Nop())
	defer p.Shutdown(context.Background()) //nolint:errcheck

	started := make(chan struct{})
	h, err := p.Submit(context.Background(), "long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not stop after Cancel")
	}
	assert.ErrorIs(t, h.Err(), context.Canceled)
}

func TestCancelBeforeStartSkipsTask(t *testing.T) {
	p := New(1, 2, logger.Nop())
	defer p.Shutdown(context.Background()) //nolint:errcheck

	release := make(chan struct{})
	blocker, err := p.Submit(context.Background(), "blocker", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	var ran atomic.Bool
	queued, err := p.Submit(context.Background(), "queued", func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	queued.Cancel()
	close(release)

	require.NoError(t, blocker.Wait(context.Background()))
	assert.ErrorIs(t, queued.Wait(context.Background()), context.Canceled)
	assert.False(t, ran.Load())
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	p := New(2, 8, logger.Nop())
	var count atomic.Int32
	for i := 0; i < 6; i++ {
		_, err := p.Submit(context.Background(), "n", func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(6), count.Load())

	_, err := p.Submit(context.Background(), "late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestShutdownDeadlineCancelsTasks(t *testing.T) {
	p := New(1, 1, logger.Nop())
	started := make(chan struct{})
	h, err := p.Submit(context.Background(), "stubborn", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, h.Err(), context.Canceled)
}
