package services

import (
	"context"
	"sort"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// Reporter answers read-only questions about collected material.
type Reporter struct {
	store store.Store
}

func NewReporter(s store.Store) *Reporter {
	return &Reporter{store: s}
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type QualitySummary struct {
	ProjectID      string                     `json:"project_id"`
	TotalResponses int                        `json:"total_responses"`
	ByFlag         map[models.QualityFlag]int `json:"by_flag"`
	ByModality     map[models.Modality]int    `json:"by_modality"`
	Transcribed    int                        `json:"transcribed"`
	Timeseries     []DailyCount               `json:"timeseries"`
}

type ProgressRow struct {
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	Answered   int    `json:"answered"`
	Skipped    int    `json:"skipped"`
	Total      int    `json:"total"`
}

type ValidationRow struct {
	ID          string  `json:"id"`
	ValidatorID string  `json:"validator_id"`
	Valid       bool    `json:"valid"`
	Confidence  float64 `json:"confidence"`
	Comments    string  `json:"comments,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func (r *Reporter) project(ctx context.Context, tx store.Tx, projectID string) error {
	_, err := tx.GetProject(ctx, projectID)
	return storeError(err, "project")
}

// Progress lists the cached counters for every contributor in the project.
func (r *Reporter) Progress(ctx context.Context, projectID string) ([]ProgressRow, error) {
	var out []ProgressRow
	err := r.store.View(ctx, func(tx store.Tx) error {
		if err := r.project(ctx, tx, projectID); err != nil {
			return err
		}
		rows, err := tx.ListProgress(ctx, projectID)
		if err != nil {
			return err
		}
		out = make([]ProgressRow, 0, len(rows))
		for _, p := range rows {
			out = append(out, ProgressRow{UserID: p.UserID, CampaignID: p.CampaignID, Answered: p.Answered, Skipped: p.Skipped, Total: p.Total})
		}
		return nil
	})
	return out, storeError(err, "project")
}

// Quality summarizes review flags and response shapes for the project.
func (r *Reporter) Quality(ctx context.Context, projectID string) (*QualitySummary, error) {
	var out *QualitySummary
	err := r.store.View(ctx, func(tx store.Tx) error {
		if err := r.project(ctx, tx, projectID); err != nil {
			return err
		}
		responses, err := tx.ListProjectResponses(ctx, projectID)
		if err != nil {
			return err
		}
		out = &QualitySummary{
			ProjectID:      projectID,
			TotalResponses: len(responses),
			ByFlag:         map[models.QualityFlag]int{},
			ByModality:     map[models.Modality]int{},
		}
		byDay := map[string]int{}
		for _, resp := range responses {
			out.ByFlag[resp.Quality]++
			out.ByModality[resp.Type]++
			if resp.Transcription != "" {
				out.Transcribed++
			}
			byDay[resp.CreatedAt.UTC().Format("2006-01-02")]++
		}
		out.Timeseries = buildDailyCounts(byDay)
		return nil
	})
	return out, storeError(err, "project")
}

func buildDailyCounts(byDay map[string]int) []DailyCount {
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]DailyCount, 0, len(days))
	for _, d := range days {
		out = append(out, DailyCount{Date: d, Count: byDay[d]})
	}
	return out
}

// Validations returns the verdicts recorded for a target in insertion order.
func (r *Reporter) Validations(ctx context.Context, target models.Target) ([]ValidationRow, error) {
	if target.IsZero() {
		return nil, ErrTargetConflict
	}
	var out []ValidationRow
	err := r.store.View(ctx, func(tx store.Tx) error {
		recs, err := tx.ListValidations(ctx, target)
		if err != nil {
			return err
		}
		out = make([]ValidationRow, 0, len(recs))
		for _, v := range recs {
			out = append(out, ValidationRow{
				ID:          v.ID,
				ValidatorID: v.ValidatorID,
				Valid:       v.Verdict.Valid,
				Confidence:  v.Verdict.Confidence,
				Comments:    v.Verdict.Comments,
				CreatedAt:   v.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		return nil
	})
	return out, storeError(err, "validations")
}
