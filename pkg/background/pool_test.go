package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(4, nil)
	var n atomic.Int64
	for round := 0; round < 25; round++ {
		for i := 0; i < 4; i++ {
			p.Go("count", func(context.Context) error {
				n.Add(1)
				return nil
			})
		}
		p.Wait()
	}
	assert.Equal(t, int64(100), n.Load())
	assert.Zero(t, p.Dropped())
	require.NoError(t, p.Close(context.Background()))
}

func TestPool_LogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := NewPool(2, zap.New(core))

	p.Go("fill-durable", func(context.Context) error { return errors.New("disk full") })
	p.Go("fill-local", func(context.Context) error { panic("boom") })
	p.Wait()

	failed := logs.FilterMessage("background task failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "fill-durable", failed[0].ContextMap()["task"])
	assert.Equal(t, 1, logs.FilterMessage("background task panicked").Len())
}

func TestPool_SaturatedDropsWithoutBlocking(t *testing.T) {
	obs, logs := observer.New(zapcore.WarnLevel)
	p := NewPool(1, zap.New(obs))
	release := make(chan struct{})
	started := make(chan struct{})
	p.Go("blocker", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var ran atomic.Bool
	returned := make(chan struct{})
	go func() {
		p.Go("overflow", func(context.Context) error {
			ran.Store(true)
			return nil
		})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Go blocked on a saturated pool")
	}

	close(release)
	p.Wait()
	assert.False(t, ran.Load())
	assert.Equal(t, uint64(1), p.Dropped())
	dropped := logs.FilterMessage("dropped task, pool saturated").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, "overflow", dropped[0].ContextMap()["task"])
}

func TestPool_CloseDrains(t *testing.T) {
	p := NewPool(2, nil)
	var done atomic.Bool
	p.Go("slow", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		return nil
	})
	require.NoError(t, p.Close(context.Background()))
	assert.True(t, done.Load())

	ran := false
	p.Go("late", func(context.Context) error {
		ran = true
		return nil
	})
	assert.False(t, ran, "tasks after Close are dropped")
	assert.Equal(t, uint64(1), p.Dropped())
}

func TestPool_CloseTimeoutCancelsTasks(t *testing.T) {
	p := NewPool(1, nil)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	p.Go("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}
}

func TestInline(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	i := Inline{Logger: zap.New(core)}

	ran := false
	i.Go("ok", func(context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)

	i.Go("bad", func(context.Context) error { return errors.New("nope") })
	assert.Equal(t, 1, logs.Len())

	Inline{}.Go("nil logger", func(context.Context) error { return errors.New("ignored") })
}
