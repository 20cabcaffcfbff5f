package services

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/models"
)

func readCSV(t *testing.T, b []byte) [][]string {
	t.Helper()
	r := csv.NewReader(bytes.NewReader(b))
	recs, err := r.ReadAll()
	require.NoError(t, err)
	return recs
}

func exportRows() []*models.Response {
	at := func(m int) time.Time { return epoch.Add(time.Duration(m) * time.Minute) }
	return []*models.Response{
		{ID: "r3", UserID: "u2", CampaignID: "C1", QuestionID: "Q1", Type: models.ModalityVoice, MediaRef: "a.ogg", Transcription: "mama", Quality: models.QualityUnreviewed, CreatedAt: at(3)},
		{ID: "r1", UserID: "u1", CampaignID: "C1", QuestionID: "Q1", Type: models.ModalityText, Text: "mama, mami", Quality: models.QualityGood, CreatedAt: at(1)},
		{ID: "r2", UserID: "u1", CampaignID: "C1", QuestionID: "Q2", Type: models.ModalityText, Text: "baba", Quality: models.QualityUnreviewed, CreatedAt: at(2)},
		{ID: "r4", UserID: "u1", CampaignID: "C1", QuestionID: "Q1", Type: models.ModalityText, Text: "mother", Quality: models.QualityUnreviewed, CreatedAt: at(4)},
	}
}

func TestExportLongCSV(t *testing.T) {
	b, err := ExportLongCSV(exportRows())
	require.NoError(t, err)
	recs := readCSV(t, b)
	require.Len(t, recs, 5)
	assert.Equal(t, longHeader, recs[0])
	assert.Equal(t, []string{"r1", "u1", "C1", "Q1", "text", "mama, mami", "", "", "good", "2026-03-02T09:01:00Z"}, recs[1])
	assert.Equal(t, "r2", recs[2][0])
	assert.Equal(t, []string{"r3", "u2", "C1", "Q1", "voice", "", "mama", "a.ogg", "unreviewed", "2026-03-02T09:03:00Z"}, recs[3])
}

func TestExportWideCSVKeepsLatestAnswer(t *testing.T) {
	b, err := ExportWideCSV(exportRows())
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"user_id", "Q1", "Q2"},
		{"u1", "mother", "baba"},
		{"u2", "mama", ""},
	}, readCSV(t, b))
}

func TestExportEmpty(t *testing.T) {
	b, err := ExportWideCSV(nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"user_id"}}, readCSV(t, b))
}

func TestParseExportFormat(t *testing.T) {
	f, err := ParseExportFormat("")
	require.NoError(t, err)
	assert.Equal(t, ExportLong, f)
	f, err = ParseExportFormat("wide")
	require.NoError(t, err)
	assert.Equal(t, ExportWide, f)
	_, err = ParseExportFormat("xlsx")
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorInvalid, se.Code)
}

func TestExportResponses(t *testing.T) {
	f, resp := reviewFixture(t)
	r := NewReporter(f.store)

	b, err := r.ExportResponses(f.ctx, "P1", ExportLong)
	require.NoError(t, err)
	recs := readCSV(t, b)
	require.Len(t, recs, 2)
	assert.Equal(t, resp.ID, recs[1][0])
	assert.Equal(t, "mama", recs[1][5])

	b, err = r.ExportResponses(f.ctx, "P1", ExportWide)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"user_id", resp.QuestionID}, {resp.UserID, "mama"}}, readCSV(t, b))

	_, err = r.ExportResponses(f.ctx, "missing", ExportLong)
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorNotFound, se.Code)
}
