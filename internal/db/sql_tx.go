package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// --- users & projects ---

const userCols = `id, channel_address, role, created_at`

func scanUser(r scanner) (*models.User, error) {
	var u models.User
	var role, created string
	if err := r.Scan(&u.ID, &u.ChannelAddress, &role, &created); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	var err error
	u.CreatedAt, err = parseTime(created)
	return &u, err
}

func (t *tx) GetUser(ctx context.Context, id string) (*models.User, error) {
	return one(t.queryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id), scanUser)
}

func (t *tx) GetUserByChannel(ctx context.Context, address string) (*models.User, error) {
	return one(t.queryRow(ctx, `SELECT `+userCols+` FROM users WHERE channel_address = ?`, address), scanUser)
}

func (t *tx) InsertUser(ctx context.Context, u *models.User) error {
	_, err := t.exec(ctx, `INSERT INTO users(`+userCols+`) VALUES (?, ?, ?, ?)`,
		u.ID, u.ChannelAddress, string(u.Role), formatTime(u.CreatedAt))
	return err
}

func (t *tx) SetUserRole(ctx context.Context, id string, role models.Role) error {
	return t.update(ctx, `UPDATE users SET role = ? WHERE id = ?`, string(role), id)
}

func (t *tx) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return one(t.queryRow(ctx, `SELECT id, title, interface_language, target_language, created_by, bot_config, created_at FROM projects WHERE id = ?`, id),
		func(r scanner) (*models.Project, error) {
			var p models.Project
			var bot sql.NullString
			var created string
			if err := r.Scan(&p.ID, &p.Title, &p.InterfaceLanguage, &p.TargetLanguage, &p.CreatedBy, &bot, &created); err != nil {
				return nil, err
			}
			if err := decodeJSON(bot, &p.Bot); err != nil {
				return nil, fmt.Errorf("decode bot config: %w", err)
			}
			var err error
			p.CreatedAt, err = parseTime(created)
			return &p, err
		})
}

func (t *tx) InsertProject(ctx context.Context, p *models.Project) error {
	bot, err := encodeJSON(p.Bot)
	if err != nil {
		return fmt.Errorf("encode bot config: %w", err)
	}
	_, err = t.exec(ctx, `INSERT INTO projects(id, title, interface_language, target_language, created_by, bot_config, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.InterfaceLanguage, p.TargetLanguage, p.CreatedBy, bot, formatTime(p.CreatedAt))
	return err
}

func (t *tx) AddMember(ctx context.Context, m models.ProjectMember) error {
	_, err := t.exec(ctx, `INSERT INTO project_members(project_id, user_id, joined_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		m.ProjectID, m.UserID, formatTime(m.JoinedAt))
	return err
}

func (t *tx) ListMembers(ctx context.Context, projectID string) ([]*models.User, error) {
	rows, err := t.query(ctx, `SELECT u.id, u.channel_address, u.role, u.created_at FROM users u
		JOIN project_members m ON m.user_id = u.id WHERE m.project_id = ? ORDER BY u.id`, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanUser)
}

// --- campaigns & questions ---

const campaignCols = `id, project_id, name, position, active, created_at`

func scanCampaign(r scanner) (*models.Campaign, error) {
	var c models.Campaign
	var active int64
	var created string
	if err := r.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Position, &active, &created); err != nil {
		return nil, err
	}
	c.Active = int64ToBool(active)
	var err error
	c.CreatedAt, err = parseTime(created)
	return &c, err
}

func (t *tx) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	return one(t.queryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id), scanCampaign)
}

func (t *tx) ListCampaigns(ctx context.Context, projectID string) ([]*models.Campaign, error) {
	rows, err := t.query(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE project_id = ? ORDER BY position, id`, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCampaign)
}

func (t *tx) InsertCampaign(ctx context.Context, c *models.Campaign) error {
	_, err := t.exec(ctx, `INSERT INTO campaigns(`+campaignCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Name, c.Position, boolToInt64(c.Active), formatTime(c.CreatedAt))
	return err
}

func (t *tx) LinkQuestion(ctx context.Context, link models.CampaignQuestion) error {
	_, err := t.exec(ctx, `INSERT INTO campaign_questions(campaign_id, question_id, position) VALUES (?, ?, ?)`,
		link.CampaignID, link.QuestionID, toNullInt(link.Position))
	return err
}

func (t *tx) ListCampaignQuestions(ctx context.Context, campaignID string) ([]models.CampaignQuestion, error) {
	rows, err := t.query(ctx, `SELECT campaign_id, question_id, position FROM campaign_questions WHERE campaign_id = ? ORDER BY question_id`, campaignID)
	if err != nil {
		return nil, err
	}
	links, err := collect(rows, func(r scanner) (*models.CampaignQuestion, error) {
		var l models.CampaignQuestion
		var pos sql.NullInt64
		if err := r.Scan(&l.CampaignID, &l.QuestionID, &pos); err != nil {
			return nil, err
		}
		l.Position = fromNullInt(pos)
		return &l, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.CampaignQuestion, len(links))
	for i, l := range links {
		out[i] = *l
	}
	return out, nil
}

const questionCols = `id, project_id, text, input_language, output_language, domain_id, media_prompt, template_id, expected, created_at`

func (t *tx) GetQuestion(ctx context.Context, id string) (*models.Question, error) {
	return one(t.queryRow(ctx, `SELECT `+questionCols+` FROM questions WHERE id = ?`, id), func(r scanner) (*models.Question, error) {
		var q models.Question
		var expected, created string
		if err := r.Scan(&q.ID, &q.ProjectID, &q.Text, &q.InputLanguage, &q.OutputLanguage, &q.DomainID, &q.MediaPrompt, &q.TemplateID, &expected, &created); err != nil {
			return nil, err
		}
		q.Expected = models.ResponseType(expected)
		var err error
		q.CreatedAt, err = parseTime(created)
		return &q, err
	})
}

func (t *tx) InsertQuestion(ctx context.Context, q *models.Question) error {
	_, err := t.exec(ctx, `INSERT INTO questions(`+questionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ProjectID, q.Text, q.InputLanguage, q.OutputLanguage, q.DomainID, q.MediaPrompt, q.TemplateID, string(q.Expected), formatTime(q.CreatedAt))
	return err
}

func (t *tx) GetTemplate(ctx context.Context, id string) (*models.QuestionTemplate, error) {
	return one(t.queryRow(ctx, `SELECT id, project_id, name, follow_up_rules FROM question_templates WHERE id = ?`, id), func(r scanner) (*models.QuestionTemplate, error) {
		var tpl models.QuestionTemplate
		var rules sql.NullString
		if err := r.Scan(&tpl.ID, &tpl.ProjectID, &tpl.Name, &rules); err != nil {
			return nil, err
		}
		if err := decodeJSON(rules, &tpl.FollowUpRules); err != nil {
			return nil, fmt.Errorf("decode follow-up rules: %w", err)
		}
		return &tpl, nil
	})
}

func (t *tx) InsertTemplate(ctx context.Context, tpl *models.QuestionTemplate) error {
	var rules sql.NullString
	if len(tpl.FollowUpRules) > 0 {
		var err error
		if rules, err = encodeJSON(tpl.FollowUpRules); err != nil {
			return fmt.Errorf("encode follow-up rules: %w", err)
		}
	}
	_, err := t.exec(ctx, `INSERT INTO question_templates(id, project_id, name, follow_up_rules) VALUES (?, ?, ?, ?)`,
		tpl.ID, tpl.ProjectID, tpl.Name, rules)
	return err
}

func (t *tx) ListDomains(ctx context.Context, projectID string) ([]models.Domain, error) {
	rows, err := t.query(ctx, `SELECT id, project_id, name, parent_id FROM domains WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	ds, err := collect(rows, func(r scanner) (*models.Domain, error) {
		var d models.Domain
		return &d, r.Scan(&d.ID, &d.ProjectID, &d.Name, &d.ParentID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Domain, len(ds))
	for i, d := range ds {
		out[i] = *d
	}
	return out, nil
}

func (t *tx) InsertDomain(ctx context.Context, d *models.Domain) error {
	_, err := t.exec(ctx, `INSERT INTO domains(id, project_id, name, parent_id) VALUES (?, ?, ?, ?)`, d.ID, d.ProjectID, d.Name, d.ParentID)
	return err
}

func (t *tx) InsertTag(ctx context.Context, tag *models.Tag) error {
	_, err := t.exec(ctx, `INSERT INTO tags(id, project_id, name) VALUES (?, ?, ?)`, tag.ID, tag.ProjectID, tag.Name)
	return err
}

// --- sessions & conversation state ---

const sessionCols = `id, user_id, project_id, campaign_id, status, started_at, updated_at`

func scanSession(r scanner) (*models.Session, error) {
	var s models.Session
	var status, started, updated string
	if err := r.Scan(&s.ID, &s.UserID, &s.ProjectID, &s.CampaignID, &status, &started, &updated); err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	var err error
	if s.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	s.UpdatedAt, err = parseTime(updated)
	return &s, err
}

func (t *tx) GetActiveSession(ctx context.Context, userID, projectID string) (*models.Session, error) {
	return t.GetLatestSession(ctx, userID, projectID, models.SessionActive)
}

func (t *tx) GetLatestSession(ctx context.Context, userID, projectID string, status models.SessionStatus) (*models.Session, error) {
	return one(t.queryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE user_id = ? AND project_id = ? AND status = ?
		ORDER BY updated_at DESC, id DESC LIMIT 1`, userID, projectID, string(status)), scanSession)
}

func (t *tx) InsertSession(ctx context.Context, s *models.Session) error {
	_, err := t.exec(ctx, `INSERT INTO sessions(`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.ProjectID, s.CampaignID, string(s.Status), formatTime(s.StartedAt), formatTime(s.UpdatedAt))
	return err
}

func (t *tx) UpdateSession(ctx context.Context, s *models.Session) error {
	return t.update(ctx, `UPDATE sessions SET campaign_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		s.CampaignID, string(s.Status), formatTime(s.UpdatedAt), s.ID)
}

func (t *tx) ListSessions(ctx context.Context, userID, projectID string) ([]*models.Session, error) {
	rows, err := t.query(ctx, `SELECT `+sessionCols+` FROM sessions WHERE user_id = ? AND project_id = ? ORDER BY started_at, id`, userID, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSession)
}

const stateCols = `user_id, project_id, session_id, campaign_id, status, question_id, follow_up_id,
	target_response_id, target_sentence_id, retry_count, last_message_sent, updated_at`

func scanState(r scanner) (*models.ConversationState, error) {
	var s models.ConversationState
	var status, respID, sentID, updated string
	if err := r.Scan(&s.UserID, &s.ProjectID, &s.SessionID, &s.CampaignID, &status, &s.QuestionID, &s.FollowUpID,
		&respID, &sentID, &s.RetryCount, &s.LastMessageSent, &updated); err != nil {
		return nil, err
	}
	s.Status = models.ConversationStatus(status)
	if respID != "" || sentID != "" {
		target, err := models.TargetFromColumns(respID, sentID)
		if err != nil {
			return nil, err
		}
		s.Target = target
	}
	var err error
	s.UpdatedAt, err = parseTime(updated)
	return &s, err
}

func (t *tx) GetConversationState(ctx context.Context, userID, projectID string) (*models.ConversationState, error) {
	return one(t.queryRow(ctx, `SELECT `+stateCols+` FROM conversation_states WHERE user_id = ? AND project_id = ?`, userID, projectID), scanState)
}

func (t *tx) PutConversationState(ctx context.Context, s *models.ConversationState) error {
	respID, sentID := s.Target.Columns()
	_, err := t.exec(ctx, `INSERT INTO conversation_states(`+stateCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, project_id) DO UPDATE SET
			session_id = excluded.session_id,
			campaign_id = excluded.campaign_id,
			status = excluded.status,
			question_id = excluded.question_id,
			follow_up_id = excluded.follow_up_id,
			target_response_id = excluded.target_response_id,
			target_sentence_id = excluded.target_sentence_id,
			retry_count = excluded.retry_count,
			last_message_sent = excluded.last_message_sent,
			updated_at = excluded.updated_at`,
		s.UserID, s.ProjectID, s.SessionID, s.CampaignID, string(s.Status), s.QuestionID, s.FollowUpID,
		respID, sentID, s.RetryCount, s.LastMessageSent, formatTime(s.UpdatedAt))
	return err
}

func (t *tx) ListStaleConversations(ctx context.Context, before time.Time) ([]*models.ConversationState, error) {
	rows, err := t.query(ctx, `SELECT `+stateCols+` FROM conversation_states
		WHERE status IN (?, ?, ?) AND updated_at < ? ORDER BY updated_at`,
		string(models.StatusAwaitingAnswer), string(models.StatusAwaitingFollowUp), string(models.StatusAwaitingValidation), formatTime(before))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanState)
}

// --- duplicate window ---

func (t *tx) MessageProcessed(ctx context.Context, userID, projectID, messageID string) (bool, error) {
	var n int
	err := t.queryRow(ctx, `SELECT 1 FROM processed_messages WHERE user_id = ? AND project_id = ? AND message_id = ?`, userID, projectID, messageID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (t *tx) RecordProcessedMessage(ctx context.Context, m models.ProcessedMessage) error {
	_, err := t.exec(ctx, `INSERT INTO processed_messages(user_id, project_id, message_id, processed_at) VALUES (?, ?, ?, ?)`,
		m.UserID, m.ProjectID, m.MessageID, formatTime(m.ProcessedAt))
	return err
}

func (t *tx) PruneProcessedMessages(ctx context.Context, before time.Time) (int, error) {
	res, err := t.exec(ctx, `DELETE FROM processed_messages WHERE processed_at < ?`, formatTime(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- responses ---

const responseCols = `id, session_id, user_id, project_id, campaign_id, question_id, message_id, type, text, media_ref, transcription, quality, created_at`

func scanResponse(r scanner) (*models.Response, error) {
	var resp models.Response
	var typ, quality, created string
	if err := r.Scan(&resp.ID, &resp.SessionID, &resp.UserID, &resp.ProjectID, &resp.CampaignID, &resp.QuestionID, &resp.MessageID,
		&typ, &resp.Text, &resp.MediaRef, &resp.Transcription, &quality, &created); err != nil {
		return nil, err
	}
	resp.Type = models.Modality(typ)
	resp.Quality = models.QualityFlag(quality)
	var err error
	resp.CreatedAt, err = parseTime(created)
	return &resp, err
}

func (t *tx) InsertResponse(ctx context.Context, r *models.Response) error {
	_, err := t.exec(ctx, `INSERT INTO responses(`+responseCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.UserID, r.ProjectID, r.CampaignID, r.QuestionID, r.MessageID,
		string(r.Type), r.Text, r.MediaRef, r.Transcription, string(r.Quality), formatTime(r.CreatedAt))
	return err
}

func (t *tx) GetResponse(ctx context.Context, id string) (*models.Response, error) {
	return one(t.queryRow(ctx, `SELECT `+responseCols+` FROM responses WHERE id = ?`, id), scanResponse)
}

func (t *tx) GetResponseByMedia(ctx context.Context, mediaRef string) (*models.Response, error) {
	if mediaRef == "" {
		return nil, store.ErrNotFound
	}
	return one(t.queryRow(ctx, `SELECT `+responseCols+` FROM responses WHERE media_ref = ? ORDER BY created_at, id LIMIT 1`, mediaRef), scanResponse)
}

func (t *tx) ListResponses(ctx context.Context, userID, projectID string) ([]*models.Response, error) {
	rows, err := t.query(ctx, `SELECT `+responseCols+` FROM responses WHERE user_id = ? AND project_id = ? ORDER BY created_at, id`, userID, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanResponse)
}

func (t *tx) ListProjectResponses(ctx context.Context, projectID string) ([]*models.Response, error) {
	rows, err := t.query(ctx, `SELECT `+responseCols+` FROM responses WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanResponse)
}

func (t *tx) SetResponseQuality(ctx context.Context, id string, flag models.QualityFlag) error {
	return t.update(ctx, `UPDATE responses SET quality = ? WHERE id = ?`, string(flag), id)
}

func (t *tx) SetTranscription(ctx context.Context, id, text string) error {
	return t.update(ctx, `UPDATE responses SET transcription = ? WHERE id = ?`, text, id)
}

// --- skips & follow-ups ---

func (t *tx) InsertSkip(ctx context.Context, s *models.QuestionSkip) error {
	_, err := t.exec(ctx, `INSERT INTO question_skips(id, user_id, project_id, campaign_id, question_id, session_id, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.ProjectID, s.CampaignID, s.QuestionID, s.SessionID, s.Reason, formatTime(s.CreatedAt))
	return err
}

func (t *tx) ListSkips(ctx context.Context, userID, projectID string) ([]*models.QuestionSkip, error) {
	rows, err := t.query(ctx, `SELECT id, user_id, project_id, campaign_id, question_id, session_id, reason, created_at
		FROM question_skips WHERE user_id = ? AND project_id = ? ORDER BY created_at, id`, userID, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(r scanner) (*models.QuestionSkip, error) {
		var s models.QuestionSkip
		var created string
		if err := r.Scan(&s.ID, &s.UserID, &s.ProjectID, &s.CampaignID, &s.QuestionID, &s.SessionID, &s.Reason, &created); err != nil {
			return nil, err
		}
		var err error
		s.CreatedAt, err = parseTime(created)
		return &s, err
	})
}

const followUpCols = `id, parent_response_id, user_id, project_id, rule, text, status, created_at`

func scanFollowUp(r scanner) (*models.FollowUpQuestion, error) {
	var f models.FollowUpQuestion
	var status, created string
	if err := r.Scan(&f.ID, &f.ParentResponseID, &f.UserID, &f.ProjectID, &f.Rule, &f.Text, &status, &created); err != nil {
		return nil, err
	}
	f.Status = models.FollowUpStatus(status)
	var err error
	f.CreatedAt, err = parseTime(created)
	return &f, err
}

func (t *tx) InsertFollowUp(ctx context.Context, f *models.FollowUpQuestion) error {
	_, err := t.exec(ctx, `INSERT INTO follow_up_questions(`+followUpCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ParentResponseID, f.UserID, f.ProjectID, f.Rule, f.Text, string(f.Status), formatTime(f.CreatedAt))
	return err
}

func (t *tx) GetFollowUp(ctx context.Context, id string) (*models.FollowUpQuestion, error) {
	return one(t.queryRow(ctx, `SELECT `+followUpCols+` FROM follow_up_questions WHERE id = ?`, id), scanFollowUp)
}

func (t *tx) GetFollowUpByParent(ctx context.Context, responseID string) (*models.FollowUpQuestion, error) {
	return one(t.queryRow(ctx, `SELECT `+followUpCols+` FROM follow_up_questions WHERE parent_response_id = ?`, responseID), scanFollowUp)
}

func (t *tx) SetFollowUpStatus(ctx context.Context, id string, status models.FollowUpStatus) error {
	return t.update(ctx, `UPDATE follow_up_questions SET status = ? WHERE id = ?`, string(status), id)
}

func (t *tx) InsertFollowUpResponse(ctx context.Context, r *models.FollowUpResponse) error {
	_, err := t.exec(ctx, `INSERT INTO follow_up_responses(id, follow_up_id, message_id, type, text, media_ref, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FollowUpID, r.MessageID, string(r.Type), r.Text, r.MediaRef, formatTime(r.CreatedAt))
	return err
}

// --- sentences & validations ---

func (t *tx) InsertSentence(ctx context.Context, s *models.LinguistSentence) error {
	_, err := t.exec(ctx, `INSERT INTO linguist_sentences(id, project_id, author_id, text, language, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, s.AuthorID, s.Text, s.Language, formatTime(s.CreatedAt))
	return err
}

func (t *tx) GetSentence(ctx context.Context, id string) (*models.LinguistSentence, error) {
	return one(t.queryRow(ctx, `SELECT id, project_id, author_id, text, language, created_at FROM linguist_sentences WHERE id = ?`, id),
		func(r scanner) (*models.LinguistSentence, error) {
			var s models.LinguistSentence
			var created string
			if err := r.Scan(&s.ID, &s.ProjectID, &s.AuthorID, &s.Text, &s.Language, &created); err != nil {
				return nil, err
			}
			var err error
			s.CreatedAt, err = parseTime(created)
			return &s, err
		})
}

func (t *tx) InsertValidation(ctx context.Context, v *models.Validation) error {
	if v.Target.IsZero() {
		return models.ErrTargetConflict
	}
	respID, sentID := v.Target.Columns()
	_, err := t.exec(ctx, `INSERT INTO validations(id, response_id, linguist_sentence_id, validator_id, valid, confidence, comments, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, toNullString(respID), toNullString(sentID), v.ValidatorID, boolToInt64(v.Verdict.Valid), v.Verdict.Confidence, v.Verdict.Comments, formatTime(v.CreatedAt))
	if errors.Is(err, errTargetCheck) {
		return models.ErrTargetConflict
	}
	return err
}

func (t *tx) ListValidations(ctx context.Context, target models.Target) ([]*models.Validation, error) {
	col := "response_id"
	if target.Kind() == models.TargetLinguistSentence {
		col = "linguist_sentence_id"
	}
	rows, err := t.query(ctx, `SELECT id, response_id, linguist_sentence_id, validator_id, valid, confidence, comments, created_at
		FROM validations WHERE `+col+` = ? ORDER BY created_at, id`, target.ID())
	if err != nil {
		return nil, err
	}
	return collect(rows, func(r scanner) (*models.Validation, error) {
		var v models.Validation
		var respID, sentID sql.NullString
		var valid int64
		var created string
		if err := r.Scan(&v.ID, &respID, &sentID, &v.ValidatorID, &valid, &v.Verdict.Confidence, &v.Verdict.Comments, &created); err != nil {
			return nil, err
		}
		target, err := models.TargetFromColumns(respID.String, sentID.String)
		if err != nil {
			return nil, err
		}
		v.Target = target
		v.Verdict.Valid = int64ToBool(valid)
		v.CreatedAt, err = parseTime(created)
		return &v, err
	})
}

// --- progress ---

const progressCols = `user_id, project_id, campaign_id, answered, skipped, total, updated_at`

func scanProgress(r scanner) (*models.UserProgress, error) {
	var p models.UserProgress
	var updated string
	if err := r.Scan(&p.UserID, &p.ProjectID, &p.CampaignID, &p.Answered, &p.Skipped, &p.Total, &updated); err != nil {
		return nil, err
	}
	var err error
	p.UpdatedAt, err = parseTime(updated)
	return &p, err
}

func (t *tx) GetProgress(ctx context.Context, userID, projectID, campaignID string) (*models.UserProgress, error) {
	return one(t.queryRow(ctx, `SELECT `+progressCols+` FROM user_progress WHERE user_id = ? AND project_id = ? AND campaign_id = ?`,
		userID, projectID, campaignID), scanProgress)
}

func (t *tx) PutProgress(ctx context.Context, p *models.UserProgress) error {
	_, err := t.exec(ctx, `INSERT INTO user_progress(`+progressCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, project_id, campaign_id) DO UPDATE SET
			answered = excluded.answered,
			skipped = excluded.skipped,
			total = excluded.total,
			updated_at = excluded.updated_at`,
		p.UserID, p.ProjectID, p.CampaignID, p.Answered, p.Skipped, p.Total, formatTime(p.UpdatedAt))
	return err
}

func (t *tx) ListProgress(ctx context.Context, projectID string) ([]*models.UserProgress, error) {
	rows, err := t.query(ctx, `SELECT `+progressCols+` FROM user_progress WHERE project_id = ? ORDER BY user_id, campaign_id`, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanProgress)
}
