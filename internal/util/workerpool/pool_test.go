package workerpool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomesh/mapapi/internal/util/workerpool"
)

func TestPool_ExecutesSubmittedTasks(t *testing.T) {
	pool := workerpool.New("test", 4, 16, nil)
	defer pool.Stop(time.Second)

	var mu sync.Mutex
	executed := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(workerpool.Task{
			ID: "task",
			Fn: func(context.Context) error {
				defer wg.Done()
				mu.Lock()
				executed++
				mu.Unlock()
				return nil
			},
		}))
	}
	wg.Wait()
	assert.Equal(t, 10, executed)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	pool := workerpool.New("test", 1, 4, nil)
	defer pool.Stop(time.Second)

	done := make(chan struct{})
	require.NoError(t, pool.Submit(workerpool.Task{
		ID: "panics",
		Fn: func(context.Context) error {
			defer close(done)
			panic("boom")
		},
	}))
	<-done

	// the worker survives and keeps draining
	after := make(chan struct{})
	require.NoError(t, pool.Submit(workerpool.Task{
		ID: "after",
		Fn: func(context.Context) error {
			close(after)
			return nil
		},
	}))
	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	_, failed, _ := pool.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestPool_RejectsWhenStopped(t *testing.T) {
	pool := workerpool.New("test", 1, 1, nil)
	require.NoError(t, pool.Stop(time.Second))

	err := pool.Submit(workerpool.Task{
		ID: "late",
		Fn: func(context.Context) error { return errors.New("unreachable") },
	})
	assert.Error(t, err)
}
