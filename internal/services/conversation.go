package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
	"github.com/soaringjerry/Elicit/internal/utils"
)

// attachSession resumes the active or newest paused session for the pair.
// It leaves the turn without a session when there is neither; advance opens
// one only when it has a question to ask.
func (e *Engine) attachSession(ctx context.Context, tx store.Tx, t *turn) error {
	uid, pid := t.user.ID, t.project.ID
	s, err := tx.GetActiveSession(ctx, uid, pid)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("get active session: %w", err)
	}
	if s == nil {
		s, err = tx.GetLatestSession(ctx, uid, pid, models.SessionPaused)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get paused session: %w", err)
		}
		if s == nil {
			return nil
		}
		s.Status = models.SessionActive
		s.UpdatedAt = e.now()
		if err := tx.UpdateSession(ctx, s); err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
	}
	t.session = s
	t.state.SessionID = s.ID
	return nil
}

// openSession starts a session for the pair. A user's first session starts
// with the project greeting.
func (e *Engine) openSession(ctx context.Context, tx store.Tx, t *turn) error {
	uid, pid := t.user.ID, t.project.ID
	prior, err := tx.ListSessions(ctx, uid, pid)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	now := e.now()
	s := &models.Session{ID: e.idGenerator(), UserID: uid, ProjectID: pid, Status: models.SessionActive, StartedAt: now, UpdatedAt: now}
	if err := tx.InsertSession(ctx, s); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if len(prior) == 0 {
		if err := tx.AddMember(ctx, models.ProjectMember{ProjectID: pid, UserID: uid, JoinedAt: now}); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		if g := strings.TrimSpace(t.bot.Greeting); g != "" {
			t.say(g, "")
		} else {
			t.sayKey("greeting", t.project.Title)
		}
	}
	t.session = s
	t.state.SessionID = s.ID
	return nil
}

// campaigns returns the campaigns the session walks, in delivery order.
func (e *Engine) campaigns(ctx context.Context, tx store.Tx, t *turn) ([]*models.Campaign, error) {
	if t.session != nil && t.session.CampaignID != "" {
		c, err := tx.GetCampaign(ctx, t.session.CampaignID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get campaign: %w", err)
		}
		if !c.Active {
			return nil, nil
		}
		return []*models.Campaign{c}, nil
	}
	all, err := tx.ListCampaigns(ctx, t.project.ID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := all[:0]
	for _, c := range all {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func resetCursor(st *models.ConversationState) {
	st.Status = models.StatusIdle
	st.QuestionID = ""
	st.FollowUpID = ""
	st.Target = models.Target{}
	st.RetryCount = 0
}

// advance moves an idle cursor to the next question, or to Completed when
// every campaign is exhausted.
func (e *Engine) advance(ctx context.Context, tx store.Tx, t *turn) error {
	resetCursor(t.state)
	campaigns, err := e.campaigns(ctx, tx, t)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		q, err := e.scheduler.Next(ctx, tx, t.user.ID, t.project.ID, c.ID)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		if q == nil {
			continue
		}
		if t.session == nil {
			if err := e.openSession(ctx, tx, t); err != nil {
				return err
			}
		}
		t.state.Status = models.StatusAwaitingAnswer
		t.state.QuestionID = q.ID
		t.state.CampaignID = c.ID
		e.ask(t, q)
		return nil
	}

	t.state.Status = models.StatusCompleted
	t.state.CampaignID = ""
	t.sayKey("completed")
	if t.session != nil && t.session.Status == models.SessionActive {
		t.session.Status = models.SessionCompleted
		t.session.UpdatedAt = e.now()
		if err := tx.UpdateSession(ctx, t.session); err != nil {
			return fmt.Errorf("complete session: %w", err)
		}
	}
	return nil
}

func (e *Engine) ask(t *turn, q *models.Question) {
	text := q.Text
	if t.bot.PreferVoice && q.Expected.Accepts(models.ModalityVoice) && q.Expected != models.ResponseVoice {
		text += "\n" + strings.TrimSpace(utils.Tf(t.locale, "hint.voice"))
	}
	t.say(text, q.MediaPrompt)
}

func (e *Engine) repromptText(t *turn, reason string, expected models.ResponseType) string {
	if reason == "reprompt.modality" {
		if expected == "" {
			expected = models.ResponseText
		}
		return utils.Tf(t.locale, reason, utils.Tf(t.locale, "modality."+string(expected)))
	}
	return utils.Tf(t.locale, reason)
}

func (e *Engine) onAnswer(ctx context.Context, tx store.Tx, t *turn) error {
	q, err := tx.GetQuestion(ctx, t.state.QuestionID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warn("pending question vanished", zap.String("question", t.state.QuestionID))
		t.outcome = "advanced"
		return e.advance(ctx, tx, t)
	}
	if err != nil {
		return fmt.Errorf("get question: %w", err)
	}
	res, err := e.ingestor.Ingest(ctx, tx, t.state, q, t.bot, t.msg)
	if err != nil {
		return err
	}
	t.outcome = res.Action.String()
	switch res.Action {
	case IngestReprompt:
		t.say(e.repromptText(t, res.Reason, q.Expected), "")
		e.ask(t, q)
		return nil
	case IngestSkipped:
		e.log.Info("question skipped", zap.String("question", q.ID), zap.Error(res.Err))
		t.sayKey("skipped")
		return e.advance(ctx, tx, t)
	}

	if res.Transcribe != nil {
		t.transcribe = append(t.transcribe, *res.Transcribe)
	}
	fu, err := e.followUps.MaybeFollowUp(ctx, tx, res.Response, q, t.bot)
	if err != nil {
		if !softFollowUpError(err) {
			return err
		}
		e.log.Warn("follow-up rejected", zap.String("response", res.Response.ID), zap.Error(err))
		fu = nil
	}
	if fu != nil {
		e.metrics.FollowUp()
		t.state.Status = models.StatusAwaitingFollowUp
		t.state.FollowUpID = fu.ID
		t.state.QuestionID = ""
		t.state.RetryCount = 0
		t.say(fu.Text, "")
		return nil
	}
	t.sayKey("thanks")
	return e.advance(ctx, tx, t)
}

// softFollowUpError reports failures that cost the follow-up but not the turn.
func softFollowUpError(err error) bool {
	var re *RuleError
	if errors.As(err, &re) {
		return true
	}
	se, ok := AsServiceError(err)
	return ok && (se == ErrFollowUpExists || se.Code == ErrorInvariant)
}

func (e *Engine) onFollowUp(ctx context.Context, tx store.Tx, t *turn) error {
	fu, err := tx.GetFollowUp(ctx, t.state.FollowUpID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && fu.Status != models.FollowUpPending) {
		t.outcome = "advanced"
		return e.advance(ctx, tx, t)
	}
	if err != nil {
		return fmt.Errorf("get follow-up: %w", err)
	}
	if reason := checkAnswer(models.ResponseEither, t.msg); reason != "" {
		t.state.RetryCount++
		if t.state.RetryCount < t.bot.MaxRetryAttempts {
			t.outcome = IngestReprompt.String()
			t.say(e.repromptText(t, reason, models.ResponseEither), "")
			t.say(fu.Text, "")
			return nil
		}
		if err := tx.SetFollowUpStatus(ctx, fu.ID, models.FollowUpAbandoned); err != nil {
			return fmt.Errorf("abandon follow-up: %w", err)
		}
		t.outcome = "follow_up_abandoned"
		t.sayKey("followup.abandoned")
		return e.advance(ctx, tx, t)
	}
	ans := &models.FollowUpResponse{
		ID:         e.idGenerator(),
		FollowUpID: fu.ID,
		MessageID:  t.msg.MessageID,
		Type:       t.msg.Modality,
		Text:       strings.TrimSpace(t.msg.Payload),
		MediaRef:   strings.TrimSpace(t.msg.MediaRef),
		CreatedAt:  e.now(),
	}
	if err := tx.InsertFollowUpResponse(ctx, ans); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("insert follow-up response: %w", err)
	}
	if err := tx.SetFollowUpStatus(ctx, fu.ID, models.FollowUpAnswered); err != nil {
		return fmt.Errorf("answer follow-up: %w", err)
	}
	t.outcome = "follow_up_answered"
	t.sayKey("thanks")
	return e.advance(ctx, tx, t)
}

var (
	affirmative = map[string]bool{"yes": true, "y": true, "valid": true, "1": true, "ok": true, "oui": true, "ndiyo": true, "correct": true}
	negative    = map[string]bool{"no": true, "n": true, "invalid": true, "0": true, "non": true, "hapana": true, "wrong": true}
)

// ParseVerdict reads a reviewer reply such as "yes" or "no, wrong tone".
// Everything after the first word is kept as the comment.
func ParseVerdict(payload string) (models.Verdict, bool) {
	payload = strings.TrimSpace(payload)
	word, rest, _ := strings.Cut(payload, " ")
	word = strings.ToLower(strings.Trim(word, ".,!;:"))
	if i := strings.IndexAny(word, ",.;:!"); i > 0 {
		rest = word[i+1:] + " " + rest
		word = word[:i]
	}
	v := models.Verdict{Confidence: 1, Comments: strings.TrimSpace(strings.TrimLeft(rest, ",.;:-! "))}
	switch {
	case affirmative[word]:
		v.Valid = true
	case negative[word]:
		v.Valid = false
	default:
		return models.Verdict{}, false
	}
	return v, true
}

func (e *Engine) onVerdict(ctx context.Context, tx store.Tx, t *turn) error {
	verdict, ok := ParseVerdict(t.msg.Payload)
	if t.msg.Modality != models.ModalityText || !ok {
		t.state.RetryCount++
		if t.state.RetryCount < t.bot.MaxRetryAttempts {
			t.outcome = IngestReprompt.String()
			t.sayKey("validation.reprompt")
			return nil
		}
		t.outcome = "validation_abandoned"
		t.sayKey("validation.skipped")
		return e.resume(ctx, tx, t)
	}
	_, err := e.validator.Record(ctx, tx, t.user.ID, t.state.Target, verdict)
	if err != nil {
		se, ok := AsServiceError(err)
		if !ok || se.Code == ErrorStoreUnavailable {
			return err
		}
		e.log.Warn("verdict rejected", zap.String("target", t.state.Target.String()), zap.Error(err))
		t.outcome = "validation_rejected"
		t.sayKey("validation.skipped")
		return e.resume(ctx, tx, t)
	}
	e.metrics.Validation(verdict.Valid)
	t.outcome = "validated"
	t.sayKey("validation.thanks")
	return e.resume(ctx, tx, t)
}

// resume returns a reviewer to the follow-up a review interrupted, if it is
// still pending. Otherwise the scheduler asks the next question, which is the
// interrupted one when there was one.
func (e *Engine) resume(ctx context.Context, tx store.Tx, t *turn) error {
	if id := t.state.FollowUpID; id != "" {
		fu, err := tx.GetFollowUp(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("get follow-up: %w", err)
		}
		if fu != nil && fu.Status == models.FollowUpPending {
			t.state.Status = models.StatusAwaitingFollowUp
			t.state.Target = models.Target{}
			t.state.RetryCount = 0
			t.say(fu.Text, "")
			return nil
		}
	}
	return e.advance(ctx, tx, t)
}

// targetPrompt returns the text and media shown to a reviewer.
func (e *Engine) targetPrompt(ctx context.Context, tx store.Tx, target models.Target) (string, string, error) {
	switch target.Kind() {
	case models.TargetResponse:
		r, err := tx.GetResponse(ctx, target.ID())
		if err != nil {
			return "", "", storeError(err, "response")
		}
		text := r.Text
		if text == "" {
			text = r.Transcription
		}
		return text, r.MediaRef, nil
	case models.TargetLinguistSentence:
		s, err := tx.GetSentence(ctx, target.ID())
		if err != nil {
			return "", "", storeError(err, "sentence")
		}
		return s.Text, "", nil
	}
	return "", "", ErrTargetConflict
}

// AssignValidation asks reviewer to judge target. It interrupts whatever the
// reviewer was doing: a pending question is dropped without a skip so the
// scheduler asks it again afterwards, and a pending follow-up is held and
// resumed after the verdict. A reviewer already judging a target is busy.
func (e *Engine) AssignValidation(ctx context.Context, reviewerID, projectID string, target models.Target) (*Reply, error) {
	if target.IsZero() {
		return nil, ErrTargetConflict
	}
	key := store.ConversationKey(reviewerID, projectID)
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	var t *turn
	err = e.store.Atomic(ctx, key, func(tx store.Tx) error {
		reviewer, err := tx.GetUser(ctx, reviewerID)
		if err != nil {
			return storeError(err, "reviewer")
		}
		t = &turn{user: reviewer}
		if err := e.loadTurn(ctx, tx, t, projectID); err != nil {
			return err
		}
		if t.state.Status == models.StatusAwaitingValidation {
			return NewConflictError("reviewer busy")
		}
		candidates, err := e.validator.Route(ctx, tx, target)
		if err != nil {
			return err
		}
		allowed := false
		for _, c := range candidates {
			allowed = allowed || c.ID == reviewerID
		}
		if !allowed {
			return NewForbiddenError("reviewer may not validate this target")
		}
		text, media, err := e.targetPrompt(ctx, tx, target)
		if err != nil {
			return err
		}
		st := t.state
		if st.Status != models.StatusAwaitingFollowUp {
			st.FollowUpID = ""
		}
		st.Status = models.StatusAwaitingValidation
		st.Target = target
		st.QuestionID = ""
		st.RetryCount = 0
		t.say(utils.Tf(t.locale, "validation.prompt", text), media)
		return e.saveTurn(ctx, tx, t)
	})
	if err != nil {
		return nil, storeError(err, "validation target")
	}
	e.metrics.Transition(string(t.from), string(t.state.Status))
	return t.reply(), nil
}

// DispatchValidation routes target and assigns it to the first candidate not
// already judging another target. It returns the reviewer chosen and the prompt to deliver.
func (e *Engine) DispatchValidation(ctx context.Context, projectID string, target models.Target) (*models.User, *Reply, error) {
	var candidates []*models.User
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		candidates, err = e.validator.Route(ctx, tx, target)
		return err
	})
	if err != nil {
		return nil, nil, storeError(err, "validation target")
	}
	for _, c := range candidates {
		reply, err := e.AssignValidation(ctx, c.ID, projectID, target)
		if err == nil {
			return c, reply, nil
		}
		if se, ok := AsServiceError(err); ok && se.Code == ErrorConflict {
			continue
		}
		return nil, nil, err
	}
	return nil, nil, NewConflictError("no reviewer available")
}

// Expire applies the retry-exhaustion transition to a conversation that has
// been pending since before cutoff, then pauses the session. It reports
// whether anything changed.
func (e *Engine) Expire(ctx context.Context, userID, projectID string, cutoff time.Time) (bool, error) {
	key := store.ConversationKey(userID, projectID)
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()

	expired := false
	err = e.store.Atomic(ctx, key, func(tx store.Tx) error {
		st, err := tx.GetConversationState(ctx, userID, projectID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get conversation state: %w", err)
		}
		if !st.Pending() || !st.UpdatedAt.Before(cutoff) {
			return nil
		}
		if st.Status == models.StatusAwaitingAnswer {
			if err := e.ingestor.Skip(ctx, tx, st, "expired"); err != nil {
				return err
			}
		}
		if st.FollowUpID != "" {
			if err := tx.SetFollowUpStatus(ctx, st.FollowUpID, models.FollowUpAbandoned); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("abandon follow-up: %w", err)
			}
		}
		from := st.Status
		resetCursor(st)
		st.UpdatedAt = e.now()
		if err := tx.PutConversationState(ctx, st); err != nil {
			return fmt.Errorf("put conversation state: %w", err)
		}
		if err := e.pause(ctx, tx, userID, projectID); err != nil {
			return err
		}
		e.metrics.Transition(string(from), string(st.Status))
		expired = true
		return nil
	})
	if err != nil {
		return false, storeError(err, "conversation")
	}
	return expired, nil
}

func (e *Engine) pause(ctx context.Context, tx store.Tx, userID, projectID string) error {
	s, err := tx.GetActiveSession(ctx, userID, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get active session: %w", err)
	}
	s.Status = models.SessionPaused
	s.UpdatedAt = e.now()
	if err := tx.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	return nil
}

// PauseSession pauses the active session, leaving the cursor untouched so the
// pending question is still waiting when the user returns.
func (e *Engine) PauseSession(ctx context.Context, userID, projectID string) error {
	key := store.ConversationKey(userID, projectID)
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}
	defer unlock()
	return storeError(e.store.Atomic(ctx, key, func(tx store.Tx) error {
		return e.pause(ctx, tx, userID, projectID)
	}), "session")
}

// OnTranscribed receives a provider callback for a stored voice message. The
// update is queued behind the owning conversation and never changes its state.
func (e *Engine) OnTranscribed(ctx context.Context, mediaRef, text string) error {
	mediaRef = strings.TrimSpace(mediaRef)
	if mediaRef == "" {
		return NewInvalidError("media_ref required")
	}
	var resp *models.Response
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		resp, err = tx.GetResponseByMedia(ctx, mediaRef)
		return err
	})
	if err != nil {
		return storeError(err, "response")
	}
	return e.applyTranscription(ctx, TranscriptionJob{UserID: resp.UserID, ProjectID: resp.ProjectID, ResponseID: resp.ID, MediaRef: mediaRef}, text)
}

// applyTranscription routes a transcription result through the keyed event
// queue; without a queue it is applied inline.
func (e *Engine) applyTranscription(ctx context.Context, job TranscriptionJob, text string) error {
	key := store.ConversationKey(job.UserID, job.ProjectID)
	apply := func(ctx context.Context) error {
		unlock, err := e.locker.Lock(ctx, key)
		if err != nil {
			return err
		}
		defer unlock()
		return e.store.Atomic(ctx, key, func(tx store.Tx) error {
			return tx.SetTranscription(ctx, job.ResponseID, strings.TrimSpace(text))
		})
	}
	if e.events == nil {
		return storeError(apply(ctx), "response")
	}
	return e.events.Submit(ctx, key, apply)
}
