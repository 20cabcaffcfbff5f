package sweep

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
	"github.com/soaringjerry/Elicit/internal/store/memstore"
)

type fakeExpirer struct {
	mu     sync.Mutex
	calls  []string
	fail   string
	cutoff time.Time
}

func (f *fakeExpirer) Expire(_ context.Context, userID, projectID string, cutoff time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	if userID == f.fail {
		return false, errors.New("boom")
	}
	f.calls = append(f.calls, userID)
	return true, nil
}

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) store.Store {
	t.Helper()
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, "", func(tx store.Tx) error {
		states := []*models.ConversationState{
			{UserID: "old-answer", ProjectID: "P", Status: models.StatusAwaitingAnswer, QuestionID: "q", UpdatedAt: now.Add(-48 * time.Hour)},
			{UserID: "old-review", ProjectID: "P", Status: models.StatusAwaitingValidation, UpdatedAt: now.Add(-30 * time.Hour)},
			{UserID: "fresh", ProjectID: "P", Status: models.StatusAwaitingAnswer, QuestionID: "q", UpdatedAt: now.Add(-time.Hour)},
			{UserID: "idle", ProjectID: "P", Status: models.StatusIdle, UpdatedAt: now.Add(-72 * time.Hour)},
		}
		for _, st := range states {
			if err := tx.PutConversationState(ctx, st); err != nil {
				return err
			}
		}
		for i, at := range []time.Time{now.Add(-100 * time.Hour), now.Add(-80 * time.Hour), now.Add(-time.Hour)} {
			m := models.ProcessedMessage{UserID: "u", ProjectID: "P", MessageID: string(rune('a' + i)), ProcessedAt: at}
			if err := tx.RecordProcessedMessage(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}))
	return s
}

func newSweeper(s store.Store, e Expirer) *Sweeper {
	sw := New(s, e, Config{StaleAfter: 24 * time.Hour, Retention: 72 * time.Hour}, nil, nil)
	sw.now = func() time.Time { return now }
	return sw
}

func TestRunOnce(t *testing.T) {
	s := seed(t)
	e := &fakeExpirer{}
	res, err := newSweeper(s, e).RunOnce(context.Background())
	require.NoError(t, err)

	sort.Strings(e.calls)
	assert.Equal(t, []string{"old-answer", "old-review"}, e.calls)
	assert.Equal(t, now.Add(-24*time.Hour), e.cutoff)
	assert.Equal(t, Result{Expired: 2, Pruned: 2}, res)

	var remaining bool
	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		var err error
		remaining, err = tx.MessageProcessed(context.Background(), "u", "P", "c")
		return err
	}))
	assert.True(t, remaining)
}

func TestRunOnceContinuesPastFailures(t *testing.T) {
	s := seed(t)
	e := &fakeExpirer{fail: "old-answer"}
	res, err := newSweeper(s, e).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old-review"}, e.calls)
	assert.Equal(t, 1, res.Expired)
}

func TestRunRejectsBadSpec(t *testing.T) {
	sw := New(memstore.New(), &fakeExpirer{}, Config{Spec: "every so often", StaleAfter: time.Hour}, nil, nil)
	assert.Error(t, sw.Run(context.Background()))
}

func TestRunStopsWithContext(t *testing.T) {
	sw := New(memstore.New(), &fakeExpirer{}, Config{Spec: "@every 1h", StaleAfter: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
