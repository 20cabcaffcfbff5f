package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/metrics"
	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
	"github.com/soaringjerry/Elicit/internal/utils"
)

// Outbound is a message for the transport to deliver.
type Outbound struct {
	ChannelAddress string `json:"channel_address"`
	Text           string `json:"text"`
	MediaPrompt    string `json:"media_prompt,omitempty"`
}

// Reply is the result of one engine turn.
type Reply struct {
	Messages  []Outbound                `json:"messages"`
	Duplicate bool                      `json:"duplicate,omitempty"`
	State     models.ConversationStatus `json:"state,omitempty"`
}

// EngineDeps wires the engine to its collaborators. Store and Identity are
// required; everything else has an in-process default.
type EngineDeps struct {
	Store         store.Store
	Identity      IdentityResolver
	Locker        Locker
	Recent        RecentMessages
	Events        *TaskQueue
	Transcriber   Transcriber
	Transcription TranscriptionConfig
	Rand          func() float64
	Log           *zap.Logger
	Metrics       *metrics.Recorder
}

// Engine is the conversation state machine. Each (user, project) pair has
// at most one transition in flight.
type Engine struct {
	store      store.Store
	identity   IdentityResolver
	locker     Locker
	recent     RecentMessages
	events     *TaskQueue
	transcribe *TranscriptionDispatcher
	log        *zap.Logger
	metrics    *metrics.Recorder

	scheduler QuestionScheduler
	ingestor  *ResponseIngestor
	followUps *FollowUpGenerator
	validator *ValidationRouter
	progress  *ProgressTracker

	now         func() time.Time
	idGenerator func() string
}

func NewEngine(deps EngineDeps) *Engine {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:       deps.Store,
		identity:    deps.Identity,
		locker:      deps.Locker,
		recent:      deps.Recent,
		events:      deps.Events,
		log:         log.With(zap.String("module", "engine")),
		metrics:     deps.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.identity == nil {
		e.identity = NewStoreIdentity(deps.Store)
	}
	draw := deps.Rand
	if draw == nil {
		draw = rand.Float64
	}
	// Components read the engine's clock and id source so tests can pin both.
	now := func() time.Time { return e.now() }
	newID := func() string { return e.idGenerator() }
	e.progress = &ProgressTracker{now: now}
	e.ingestor = &ResponseIngestor{progress: e.progress, now: now, idGenerator: newID}
	e.followUps = &FollowUpGenerator{rand: draw, now: now, idGenerator: newID}
	e.validator = &ValidationRouter{now: now, idGenerator: newID}
	if deps.Transcriber != nil {
		e.transcribe = NewTranscriptionDispatcher(deps.Transcriber, deps.Transcription, log, deps.Metrics)
		e.transcribe.deliver = e.applyTranscription
	}
	return e
}

// Scheduler exposes the read-only question scheduler.
func (e *Engine) Scheduler() QuestionScheduler { return e.scheduler }

// FollowUps exposes the generator so rule sets can be checked at load time.
func (e *Engine) FollowUps() *FollowUpGenerator { return e.followUps }

// Close stops background transcription work.
func (e *Engine) Close() {
	e.transcribe.Close()
}

// turn accumulates the effects of one transition before commit.
type turn struct {
	user    *models.User
	project *models.Project
	bot     models.BotConfig
	locale  string
	session *models.Session
	state   *models.ConversationState
	from    models.ConversationStatus
	msg     InboundMessage

	out        []Outbound
	transcribe []TranscriptionJob
	outcome    string
}

func (t *turn) say(text, media string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	t.out = append(t.out, Outbound{ChannelAddress: t.user.ChannelAddress, Text: text, MediaPrompt: media})
}

func (t *turn) sayKey(key string, args ...any) {
	t.say(utils.Tf(t.locale, key, args...), "")
}

func (t *turn) reply() *Reply {
	return &Reply{Messages: t.out, State: t.state.Status}
}

func normalizeInbound(msg InboundMessage) (InboundMessage, error) {
	msg.ProjectID = strings.TrimSpace(msg.ProjectID)
	msg.ChannelAddress = strings.TrimSpace(msg.ChannelAddress)
	msg.MessageID = strings.TrimSpace(msg.MessageID)
	if msg.ProjectID == "" || msg.ChannelAddress == "" || msg.MessageID == "" {
		return msg, NewInvalidError("project_id, channel_address and message_id are required")
	}
	if msg.Modality == "" {
		msg.Modality = models.ModalityText
	}
	return msg, nil
}

// HandleInbound runs one turn for an inbound message. Redelivered messages
// return a Reply with Duplicate set and change nothing.
func (e *Engine) HandleInbound(ctx context.Context, msg InboundMessage) (*Reply, error) {
	started := time.Now()
	defer func() { e.metrics.ObserveTurn(time.Since(started)) }()

	msg, err := normalizeInbound(msg)
	if err != nil {
		return nil, err
	}
	user, err := e.identity.ResolveUser(ctx, msg.ChannelAddress)
	if err != nil {
		return nil, err
	}
	key := store.ConversationKey(user.ID, msg.ProjectID)
	log := e.log.With(
		zap.String("user", user.ID),
		zap.String("project", msg.ProjectID),
		zap.String("address", utils.RedactAddress(msg.ChannelAddress)),
		zap.String("message_id", msg.MessageID),
	)

	if e.recent != nil {
		seen, err := e.recent.Seen(ctx, key, msg.MessageID)
		if err != nil {
			log.Warn("recent message window unavailable", zap.Error(err))
		} else if seen {
			e.metrics.Inbound("duplicate")
			return &Reply{Duplicate: true}, nil
		}
	}

	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	var t *turn
	err = e.store.Atomic(ctx, key, func(tx store.Tx) error {
		t = &turn{user: user, msg: msg}
		return e.runTurn(ctx, tx, t)
	})
	if errors.Is(err, ErrDuplicateMessage) {
		e.metrics.Inbound("duplicate")
		e.remember(ctx, log, key, msg.MessageID)
		return &Reply{Duplicate: true}, nil
	}
	if err != nil {
		e.metrics.Inbound("error")
		log.Error("turn failed", zap.Error(err))
		return nil, storeError(err, "conversation")
	}

	e.remember(ctx, log, key, msg.MessageID)
	for _, job := range t.transcribe {
		e.transcribe.Dispatch(job)
	}
	e.metrics.Inbound(t.outcome)
	e.metrics.Transition(string(t.from), string(t.state.Status))
	log.Debug("turn complete",
		zap.String("from", string(t.from)),
		zap.String("to", string(t.state.Status)),
		zap.String("outcome", t.outcome))
	return t.reply(), nil
}

func (e *Engine) remember(ctx context.Context, log *zap.Logger, key, messageID string) {
	if e.recent == nil {
		return
	}
	if err := e.recent.Remember(ctx, key, messageID); err != nil {
		log.Warn("remember message failed", zap.Error(err))
	}
}

// loadTurn fills project, locale and conversation state for the pair.
func (e *Engine) loadTurn(ctx context.Context, tx store.Tx, t *turn, projectID string) error {
	p, err := tx.GetProject(ctx, projectID)
	if err != nil {
		return storeError(err, "project")
	}
	t.project = p
	t.bot = p.Bot.Normalized()
	t.locale = utils.BotLocale(p.InterfaceLanguage)
	st, err := tx.GetConversationState(ctx, t.user.ID, projectID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &models.ConversationState{UserID: t.user.ID, ProjectID: projectID, Status: models.StatusIdle}
	case err != nil:
		return fmt.Errorf("get conversation state: %w", err)
	}
	t.state = st
	t.from = st.Status
	return nil
}

// saveTurn persists the cursor, stamping what was last said.
func (e *Engine) saveTurn(ctx context.Context, tx store.Tx, t *turn) error {
	if n := len(t.out); n > 0 {
		t.state.LastMessageSent = t.out[n-1].Text
	}
	t.state.UpdatedAt = e.now()
	if err := tx.PutConversationState(ctx, t.state); err != nil {
		return fmt.Errorf("put conversation state: %w", err)
	}
	return nil
}

func (e *Engine) runTurn(ctx context.Context, tx store.Tx, t *turn) error {
	done, err := tx.MessageProcessed(ctx, t.user.ID, t.msg.ProjectID, t.msg.MessageID)
	if err != nil {
		return fmt.Errorf("check processed: %w", err)
	}
	if done {
		return ErrDuplicateMessage
	}
	if err := e.loadTurn(ctx, tx, t, t.msg.ProjectID); err != nil {
		return err
	}
	if err := e.attachSession(ctx, tx, t); err != nil {
		return err
	}

	switch t.state.Status {
	case models.StatusAwaitingAnswer:
		err = e.onAnswer(ctx, tx, t)
	case models.StatusAwaitingFollowUp:
		err = e.onFollowUp(ctx, tx, t)
	case models.StatusAwaitingValidation:
		err = e.onVerdict(ctx, tx, t)
	default:
		t.outcome = "advanced"
		err = e.advance(ctx, tx, t)
	}
	if err != nil {
		return err
	}

	if err := tx.RecordProcessedMessage(ctx, models.ProcessedMessage{
		UserID:      t.user.ID,
		ProjectID:   t.msg.ProjectID,
		MessageID:   t.msg.MessageID,
		ProcessedAt: e.now(),
	}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("record processed message: %w", err)
	}
	return e.saveTurn(ctx, tx, t)
}
