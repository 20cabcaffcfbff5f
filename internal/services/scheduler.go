package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// QuestionScheduler picks the next question for a user within a campaign.
// It only reads from the store.
type QuestionScheduler struct{}

// orderedQuestion is a campaign question together with its sort key.
type orderedQuestion struct {
	question *models.Question
	position *int
}

// Ordered returns the campaign's questions in delivery order: explicit
// positions ascending (ties by question id), then unpositioned questions by
// creation time and id.
func (QuestionScheduler) Ordered(ctx context.Context, tx store.Tx, campaignID string) ([]*models.Question, error) {
	links, err := tx.ListCampaignQuestions(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign questions: %w", err)
	}
	items := make([]orderedQuestion, 0, len(links))
	for _, l := range links {
		q, err := tx.GetQuestion(ctx, l.QuestionID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get question %s: %w", l.QuestionID, err)
		}
		items = append(items, orderedQuestion{question: q, position: l.Position})
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.position != nil && b.position != nil:
			if *a.position != *b.position {
				return *a.position < *b.position
			}
			return a.question.ID < b.question.ID
		case a.position != nil:
			return true
		case b.position != nil:
			return false
		}
		if !a.question.CreatedAt.Equal(b.question.CreatedAt) {
			return a.question.CreatedAt.Before(b.question.CreatedAt)
		}
		return a.question.ID < b.question.ID
	})
	out := make([]*models.Question, len(items))
	for i, it := range items {
		out[i] = it.question
	}
	return out, nil
}

// Next returns the first question after the furthest one the user has
// answered or skipped in this campaign, or nil when the campaign is exhausted.
// Questions before that point that were never consumed are not revisited.
func (s QuestionScheduler) Next(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) (*models.Question, error) {
	ordered, err := s.Ordered(ctx, tx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(ordered) == 0 {
		return nil, nil
	}
	consumed, err := consumedQuestions(ctx, tx, userID, projectID, campaignID)
	if err != nil {
		return nil, err
	}
	start := 0
	for i, q := range ordered {
		if consumed[q.ID] {
			start = i + 1
		}
	}
	for _, q := range ordered[start:] {
		if !consumed[q.ID] {
			return q, nil
		}
	}
	return nil, nil
}

// Remaining counts questions the user can still be asked in the campaign.
func (s QuestionScheduler) Remaining(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) (int, error) {
	ordered, err := s.Ordered(ctx, tx, campaignID)
	if err != nil {
		return 0, err
	}
	consumed, err := consumedQuestions(ctx, tx, userID, projectID, campaignID)
	if err != nil {
		return 0, err
	}
	start := 0
	for i, q := range ordered {
		if consumed[q.ID] {
			start = i + 1
		}
	}
	return len(ordered) - start, nil
}

func consumedQuestions(ctx context.Context, tx store.Tx, userID, projectID, campaignID string) (map[string]bool, error) {
	responses, err := tx.ListResponses(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	skips, err := tx.ListSkips(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list skips: %w", err)
	}
	out := make(map[string]bool, len(responses)+len(skips))
	for _, r := range responses {
		if r.CampaignID == campaignID {
			out[r.QuestionID] = true
		}
	}
	for _, s := range skips {
		if s.CampaignID == campaignID {
			out[s.QuestionID] = true
		}
	}
	return out, nil
}
