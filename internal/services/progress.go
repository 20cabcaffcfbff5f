package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// ProgressTracker maintains the UserProgress cache. Responses and skips stay
// the source of truth; Recompute rebuilds the cache from them.
type ProgressTracker struct {
	now func() time.Time
}

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{now: func() time.Time { return time.Now().UTC() }}
}

func (p *ProgressTracker) load(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) (*models.UserProgress, error) {
	cur, err := tx.GetProgress(ctx, userID, projectID, campaignID)
	if errors.Is(err, store.ErrNotFound) {
		links, lerr := tx.ListCampaignQuestions(ctx, campaignID)
		if lerr != nil {
			return nil, fmt.Errorf("list campaign questions: %w", lerr)
		}
		return &models.UserProgress{UserID: userID, ProjectID: projectID, CampaignID: campaignID, Total: len(links)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return cur, nil
}

// RecordAnswer bumps the answered counter for the campaign.
func (p *ProgressTracker) RecordAnswer(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) error {
	return p.bump(ctx, tx, userID, projectID, campaignID, 1, 0)
}

// RecordSkip bumps the skipped counter for the campaign.
func (p *ProgressTracker) RecordSkip(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) error {
	return p.bump(ctx, tx, userID, projectID, campaignID, 0, 1)
}

func (p *ProgressTracker) bump(ctx context.Context, tx store.Tx, userID, projectID, campaignID string, answered, skipped int) error {
	cur, err := p.load(ctx, tx, userID, projectID, campaignID)
	if err != nil {
		return err
	}
	cur.Answered += answered
	cur.Skipped += skipped
	if links, err := tx.ListCampaignQuestions(ctx, campaignID); err == nil {
		cur.Total = len(links)
	}
	cur.UpdatedAt = p.now()
	return tx.PutProgress(ctx, cur)
}

// Recompute derives the exact counters from responses and skips.
func (p *ProgressTracker) Recompute(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) (*models.UserProgress, error) {
	responses, err := tx.ListResponses(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	skips, err := tx.ListSkips(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list skips: %w", err)
	}
	links, err := tx.ListCampaignQuestions(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign questions: %w", err)
	}
	out := &models.UserProgress{UserID: userID, ProjectID: projectID, CampaignID: campaignID, Total: len(links), UpdatedAt: p.now()}
	for _, r := range responses {
		if r.CampaignID == campaignID {
			out.Answered++
		}
	}
	for _, s := range skips {
		if s.CampaignID == campaignID {
			out.Skipped++
		}
	}
	return out, nil
}

// Verify compares the cache with a recompute and overwrites drifted counters.
// It reports whether a repair was needed.
func (p *ProgressTracker) Verify(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) (bool, error) {
	exact, err := p.Recompute(ctx, tx, userID, projectID, campaignID)
	if err != nil {
		return false, err
	}
	cached, err := tx.GetProgress(ctx, userID, projectID, campaignID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("get progress: %w", err)
	}
	if cached != nil && cached.Answered == exact.Answered && cached.Skipped == exact.Skipped && cached.Total == exact.Total {
		return false, nil
	}
	if cached == nil && exact.Answered == 0 && exact.Skipped == 0 {
		return false, nil
	}
	return true, tx.PutProgress(ctx, exact)
}
