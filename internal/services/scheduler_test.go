package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
	"github.com/soaringjerry/Elicit/internal/store/memstore"
)

// schedulerStore holds campaign C with positioned questions 1, 2, 4 and two
// unpositioned ones created at different times.
func schedulerStore(t *testing.T) *memstore.Store {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Atomic(ctx, "seed", func(tx store.Tx) error {
		add := func(id string, created time.Duration, p *int) {
			require.NoError(t, tx.InsertQuestion(ctx, &models.Question{ID: id, ProjectID: "P", Text: id, CreatedAt: epoch.Add(created)}))
			require.NoError(t, tx.LinkQuestion(ctx, models.CampaignQuestion{CampaignID: "C", QuestionID: id, Position: p}))
		}
		add("late", 2*time.Hour, nil)
		add("q4", 0, pos(4))
		add("early", time.Hour, nil)
		add("q1", 3*time.Hour, pos(1))
		add("q2", 0, pos(2))
		return nil
	}))
	return s
}

func ids(qs []*models.Question) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.ID
	}
	return out
}

func TestSchedulerOrdering(t *testing.T) {
	s := schedulerStore(t)
	var sched QuestionScheduler
	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		ordered, err := sched.Ordered(context.Background(), tx, "C")
		require.NoError(t, err)
		assert.Equal(t, []string{"q1", "q2", "q4", "early", "late"}, ids(ordered))

		empty, err := sched.Ordered(context.Background(), tx, "missing")
		require.NoError(t, err)
		assert.Empty(t, empty)
		return nil
	}))
}

func TestSchedulerNextIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := schedulerStore(t)
	var sched QuestionScheduler

	next := func() string {
		var id string
		require.NoError(t, s.View(ctx, func(tx store.Tx) error {
			q, err := sched.Next(ctx, tx, "u", "P", "C")
			if q != nil {
				id = q.ID
			}
			return err
		}))
		return id
	}
	answer := func(qid string) {
		require.NoError(t, s.Atomic(ctx, "u|P", func(tx store.Tx) error {
			return tx.InsertResponse(ctx, &models.Response{ID: "r-" + qid, UserID: "u", ProjectID: "P", CampaignID: "C", QuestionID: qid, MessageID: qid})
		}))
	}

	assert.Equal(t, "q1", next())
	assert.Equal(t, "q1", next(), "asking twice without an answer is stable")

	// jumping ahead leaves earlier gaps behind
	answer("q4")
	assert.Equal(t, "early", next())

	require.NoError(t, s.Atomic(ctx, "u|P", func(tx store.Tx) error {
		return tx.InsertSkip(ctx, &models.QuestionSkip{ID: "s", UserID: "u", ProjectID: "P", CampaignID: "C", QuestionID: "early", Reason: "expired"})
	}))
	assert.Equal(t, "late", next())

	answer("late")
	assert.Equal(t, "", next())

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := sched.Remaining(ctx, tx, "u", "P", "C")
		assert.Zero(t, n)
		other, err2 := sched.Remaining(ctx, tx, "v", "P", "C")
		assert.Equal(t, 5, other)
		require.NoError(t, err2)
		return err
	}))
}

func TestSchedulerIgnoresOtherCampaigns(t *testing.T) {
	ctx := context.Background()
	s := schedulerStore(t)
	var sched QuestionScheduler
	require.NoError(t, s.Atomic(ctx, "u|P", func(tx store.Tx) error {
		require.NoError(t, tx.InsertResponse(ctx, &models.Response{ID: "r", UserID: "u", ProjectID: "P", CampaignID: "other", QuestionID: "q1"}))
		q, err := sched.Next(ctx, tx, "u", "P", "C")
		require.NoError(t, err)
		assert.Equal(t, "q1", q.ID)
		return nil
	}))
}
