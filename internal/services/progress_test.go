package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

func TestProgressCountersAndVerify(t *testing.T) {
	ctx := context.Background()
	s := schedulerStore(t)
	p := NewProgressTracker()

	require.NoError(t, s.Atomic(ctx, "u|P", func(tx store.Tx) error {
		require.NoError(t, tx.InsertResponse(ctx, &models.Response{ID: "r1", UserID: "u", ProjectID: "P", CampaignID: "C", QuestionID: "q1"}))
		require.NoError(t, p.RecordAnswer(ctx, tx, "u", "P", "C"))
		require.NoError(t, tx.InsertSkip(ctx, &models.QuestionSkip{ID: "s1", UserID: "u", ProjectID: "P", CampaignID: "C", QuestionID: "q2"}))
		return p.RecordSkip(ctx, tx, "u", "P", "C")
	}))

	require.NoError(t, s.Atomic(ctx, "u|P", func(tx store.Tx) error {
		cur, err := tx.GetProgress(ctx, "u", "P", "C")
		require.NoError(t, err)
		assert.Equal(t, 1, cur.Answered)
		assert.Equal(t, 1, cur.Skipped)
		assert.Equal(t, 5, cur.Total)

		repaired, err := p.Verify(ctx, tx, "u", "P", "C")
		require.NoError(t, err)
		assert.False(t, repaired)

		cur.Answered = 7
		require.NoError(t, tx.PutProgress(ctx, cur))
		repaired, err = p.Verify(ctx, tx, "u", "P", "C")
		require.NoError(t, err)
		assert.True(t, repaired)

		fixed, err := tx.GetProgress(ctx, "u", "P", "C")
		require.NoError(t, err)
		assert.Equal(t, 1, fixed.Answered)
		return nil
	}))
}

func TestProgressVerifyWithoutActivity(t *testing.T) {
	ctx := context.Background()
	s := schedulerStore(t)
	p := NewProgressTracker()
	require.NoError(t, s.Atomic(ctx, "v|P", func(tx store.Tx) error {
		repaired, err := p.Verify(ctx, tx, "v", "P", "C")
		require.NoError(t, err)
		assert.False(t, repaired)
		_, err = tx.GetProgress(ctx, "v", "P", "C")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}
