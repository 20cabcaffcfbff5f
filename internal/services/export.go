package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"sort"
	"time"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// ExportFormat selects the CSV layout of ExportResponses.
type ExportFormat string

const (
	// ExportLong writes one row per response.
	ExportLong ExportFormat = "long"
	// ExportWide writes one row per contributor and one column per question.
	ExportWide ExportFormat = "wide"
)

// ParseExportFormat maps a query value onto a format; empty means long.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportLong:
		return ExportLong, nil
	case ExportWide:
		return ExportWide, nil
	}
	return "", NewInvalidError("unknown export format " + s)
}

var longHeader = []string{
	"response_id", "user_id", "campaign_id", "question_id", "type",
	"text", "transcription", "media_ref", "quality", "created_at",
}

// ExportLongCSV renders responses in creation order.
func ExportLongCSV(rows []*models.Response) ([]byte, error) {
	sorted := append([]*models.Response(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(longHeader); err != nil {
		return nil, err
	}
	for _, r := range sorted {
		rec := []string{
			r.ID, r.UserID, r.CampaignID, r.QuestionID, string(r.Type),
			r.Text, r.Transcription, r.MediaRef, string(r.Quality),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportWideCSV renders one row per contributor. A cell holds the text of the
// latest response to that question, or its transcription for media answers.
func ExportWideCSV(rows []*models.Response) ([]byte, error) {
	cells := map[string]map[string]*models.Response{}
	questionSet := map[string]struct{}{}
	for _, r := range rows {
		questionSet[r.QuestionID] = struct{}{}
		byQuestion, ok := cells[r.UserID]
		if !ok {
			byQuestion = map[string]*models.Response{}
			cells[r.UserID] = byQuestion
		}
		if prev, ok := byQuestion[r.QuestionID]; !ok || prev.CreatedAt.Before(r.CreatedAt) {
			byQuestion[r.QuestionID] = r
		}
	}
	questions := make([]string, 0, len(questionSet))
	for id := range questionSet {
		questions = append(questions, id)
	}
	sort.Strings(questions)
	users := make([]string, 0, len(cells))
	for id := range cells {
		users = append(users, id)
	}
	sort.Strings(users)

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write(append([]string{"user_id"}, questions...)); err != nil {
		return nil, err
	}
	for _, uid := range users {
		rec := make([]string, 0, 1+len(questions))
		rec = append(rec, uid)
		for _, qid := range questions {
			rec = append(rec, cellValue(cells[uid][qid]))
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func cellValue(r *models.Response) string {
	switch {
	case r == nil:
		return ""
	case r.Text != "":
		return r.Text
	case r.Transcription != "":
		return r.Transcription
	}
	return r.MediaRef
}

// ExportResponses renders every response collected for the project.
func (r *Reporter) ExportResponses(ctx context.Context, projectID string, format ExportFormat) ([]byte, error) {
	var rows []*models.Response
	err := r.store.View(ctx, func(tx store.Tx) error {
		if err := r.project(ctx, tx, projectID); err != nil {
			return err
		}
		var err error
		rows, err = tx.ListProjectResponses(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, storeError(err, "project")
	}
	if format == ExportWide {
		return ExportWideCSV(rows)
	}
	return ExportLongCSV(rows)
}
