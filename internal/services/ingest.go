package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// InboundMessage is what the transport hands the engine for every message it receives.
type InboundMessage struct {
	ProjectID      string          `json:"project_id"`
	ChannelAddress string          `json:"channel_address"`
	MessageID      string          `json:"message_id"`
	Modality       models.Modality `json:"modality"`
	Payload        string          `json:"payload"`
	MediaRef       string          `json:"media_ref,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IngestAction tells the state machine what to do after an answer attempt.
type IngestAction int

const (
	IngestAccepted IngestAction = iota
	IngestReprompt
	IngestSkipped
)

func (a IngestAction) String() string {
	switch a {
	case IngestAccepted:
		return "accepted"
	case IngestReprompt:
		return "reprompt"
	case IngestSkipped:
		return "skipped"
	}
	return "unknown"
}

// TranscriptionJob is handed to the transcriber after the turn commits.
type TranscriptionJob struct {
	UserID     string
	ProjectID  string
	ResponseID string
	MediaRef   string
}

type IngestResult struct {
	Action   IngestAction
	Response *models.Response
	// Reason is the i18n key of the re-prompt when Action is IngestReprompt.
	Reason     string
	Transcribe *TranscriptionJob
	// Err is ErrRetryExhausted when Action is IngestSkipped.
	Err error
}

// ResponseIngestor validates answers to a pending question and records them.
type ResponseIngestor struct {
	progress    *ProgressTracker
	now         func() time.Time
	idGenerator func() string
}

func NewResponseIngestor(progress *ProgressTracker) *ResponseIngestor {
	return &ResponseIngestor{
		progress:    progress,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// checkAnswer returns the re-prompt reason for an unacceptable message, or "".
func checkAnswer(expected models.ResponseType, msg InboundMessage) string {
	if !expected.Accepts(msg.Modality) {
		return "reprompt.modality"
	}
	switch msg.Modality {
	case models.ModalityText:
		if strings.TrimSpace(msg.Payload) == "" {
			return "reprompt.empty"
		}
	case models.ModalityVoice, models.ModalityImage:
		if strings.TrimSpace(msg.MediaRef) == "" {
			return "reprompt.empty"
		}
	}
	return ""
}

// Ingest applies msg to the question pending in state. state.RetryCount is
// updated in place; the caller persists it with the rest of the transition.
func (ri *ResponseIngestor) Ingest(ctx context.Context, tx store.Tx, state *models.ConversationState, q *models.Question, bot models.BotConfig, msg InboundMessage) (*IngestResult, error) {
	if reason := checkAnswer(q.Expected, msg); reason != "" {
		state.RetryCount++
		if state.RetryCount < bot.MaxRetryAttempts {
			return &IngestResult{Action: IngestReprompt, Reason: reason}, nil
		}
		if err := ri.Skip(ctx, tx, state, string(ErrorRetryExhausted)); err != nil {
			return nil, err
		}
		return &IngestResult{Action: IngestSkipped, Reason: reason, Err: ErrRetryExhausted}, nil
	}

	resp := &models.Response{
		ID:         ri.idGenerator(),
		SessionID:  state.SessionID,
		UserID:     state.UserID,
		ProjectID:  state.ProjectID,
		CampaignID: state.CampaignID,
		QuestionID: q.ID,
		MessageID:  msg.MessageID,
		Type:       msg.Modality,
		Text:       strings.TrimSpace(msg.Payload),
		MediaRef:   strings.TrimSpace(msg.MediaRef),
		Quality:    models.QualityUnreviewed,
		CreatedAt:  ri.now(),
	}
	if err := tx.InsertResponse(ctx, resp); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("insert response: %w", err)
	}
	if err := ri.progress.RecordAnswer(ctx, tx, state.UserID, state.ProjectID, state.CampaignID); err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}
	state.RetryCount = 0
	out := &IngestResult{Action: IngestAccepted, Response: resp}
	if resp.Type == models.ModalityVoice {
		out.Transcribe = &TranscriptionJob{UserID: resp.UserID, ProjectID: resp.ProjectID, ResponseID: resp.ID, MediaRef: resp.MediaRef}
	}
	return out, nil
}

// Skip records the pending question as skipped and counts it in progress.
func (ri *ResponseIngestor) Skip(ctx context.Context, tx store.Tx, state *models.ConversationState, reason string) error {
	skip := &models.QuestionSkip{
		ID:         ri.idGenerator(),
		UserID:     state.UserID,
		ProjectID:  state.ProjectID,
		CampaignID: state.CampaignID,
		QuestionID: state.QuestionID,
		SessionID:  state.SessionID,
		Reason:     reason,
		CreatedAt:  ri.now(),
	}
	if err := tx.InsertSkip(ctx, skip); err != nil {
		return fmt.Errorf("insert skip: %w", err)
	}
	if err := ri.progress.RecordSkip(ctx, tx, state.UserID, state.ProjectID, state.CampaignID); err != nil {
		return fmt.Errorf("record skip: %w", err)
	}
	state.RetryCount = 0
	return nil
}
