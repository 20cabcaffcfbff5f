package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueKeepsPerKeyOrder(t *testing.T) {
	q := NewTaskQueue(4, 4, nil)
	q.Start(context.Background())

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b", "c"} {
			key, i := key, i
			require.NoError(t, q.Submit(context.Background(), key, func(context.Context) error {
				mu.Lock()
				got[key] = append(got[key], i)
				mu.Unlock()
				return nil
			}))
		}
	}
	q.Close()

	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, got[key], 50)
		for i, v := range got[key] {
			assert.Equal(t, i, v, key)
		}
	}
}

func TestTaskQueueSurvivesFailures(t *testing.T) {
	q := NewTaskQueue(1, 2, nil)
	q.Start(context.Background())
	ran := 0
	require.NoError(t, q.Submit(context.Background(), "k", func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, q.Submit(context.Background(), "k", func(context.Context) error { ran++; return nil }))
	q.Close()
	assert.Equal(t, 1, ran)
}

func TestTaskQueueRejectsAfterClose(t *testing.T) {
	q := NewTaskQueue(2, 1, nil)
	q.Close()
	q.Close()
	err := q.Submit(context.Background(), "k", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestTaskQueueSubmitHonoursContext(t *testing.T) {
	q := NewTaskQueue(1, 1, nil)
	defer q.Close()
	// not started, so the single slot stays full
	require.NoError(t, q.Submit(context.Background(), "k", func(context.Context) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Submit(ctx, "k", func(context.Context) error { return fmt.Errorf("never") })
	assert.ErrorIs(t, err, context.Canceled)
}
