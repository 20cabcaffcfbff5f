// Package memstore is an in-process implementation of store.Store. Atomic
// works on a copy of the dataset and swaps it in on success, so a failed
// transition leaves nothing behind. Every Atomic call copies the whole dataset
// under one mutex, so it serves tests and development; config refuses it in
// production.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

type dataset struct {
	users          map[string]models.User
	usersByAddr    map[string]string
	projects       map[string]models.Project
	members        map[string]models.ProjectMember // project|user
	campaigns      map[string]models.Campaign
	links          map[string][]models.CampaignQuestion
	questions      map[string]models.Question
	templates      map[string]models.QuestionTemplate
	domains        map[string]models.Domain
	tags           map[string]models.Tag
	sessions       map[string]models.Session
	states         map[string]models.ConversationState
	processed      map[string]models.ProcessedMessage // user|project|message
	responses      map[string]models.Response
	responseOrder  []string
	responseMsgs   map[string]string // user|project|message -> response id
	skips          []models.QuestionSkip
	followUps      map[string]models.FollowUpQuestion
	followUpParent map[string]string
	followUpAnswer map[string]models.FollowUpResponse
	sentences      map[string]models.LinguistSentence
	validations    []models.Validation
	progress       map[string]models.UserProgress
}

func newDataset() *dataset {
	return &dataset{
		users:          map[string]models.User{},
		usersByAddr:    map[string]string{},
		projects:       map[string]models.Project{},
		members:        map[string]models.ProjectMember{},
		campaigns:      map[string]models.Campaign{},
		links:          map[string][]models.CampaignQuestion{},
		questions:      map[string]models.Question{},
		templates:      map[string]models.QuestionTemplate{},
		domains:        map[string]models.Domain{},
		tags:           map[string]models.Tag{},
		sessions:       map[string]models.Session{},
		states:         map[string]models.ConversationState{},
		processed:      map[string]models.ProcessedMessage{},
		responses:      map[string]models.Response{},
		responseMsgs:   map[string]string{},
		followUps:      map[string]models.FollowUpQuestion{},
		followUpParent: map[string]string{},
		followUpAnswer: map[string]models.FollowUpResponse{},
		sentences:      map[string]models.LinguistSentence{},
		progress:       map[string]models.UserProgress{},
	}
}

func (d *dataset) clone() *dataset {
	links := make(map[string][]models.CampaignQuestion, len(d.links))
	for k, v := range d.links {
		links[k] = append([]models.CampaignQuestion(nil), v...)
	}
	return &dataset{
		users:          maps.Clone(d.users),
		usersByAddr:    maps.Clone(d.usersByAddr),
		projects:       maps.Clone(d.projects),
		members:        maps.Clone(d.members),
		campaigns:      maps.Clone(d.campaigns),
		links:          links,
		questions:      maps.Clone(d.questions),
		templates:      maps.Clone(d.templates),
		domains:        maps.Clone(d.domains),
		tags:           maps.Clone(d.tags),
		sessions:       maps.Clone(d.sessions),
		states:         maps.Clone(d.states),
		processed:      maps.Clone(d.processed),
		responses:      maps.Clone(d.responses),
		responseOrder:  append([]string(nil), d.responseOrder...),
		responseMsgs:   maps.Clone(d.responseMsgs),
		skips:          append([]models.QuestionSkip(nil), d.skips...),
		followUps:      maps.Clone(d.followUps),
		followUpParent: maps.Clone(d.followUpParent),
		followUpAnswer: maps.Clone(d.followUpAnswer),
		sentences:      maps.Clone(d.sentences),
		validations:    append([]models.Validation(nil), d.validations...),
		progress:       maps.Clone(d.progress),
	}
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu sync.Mutex
	d  *dataset
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{d: newDataset()}
}

func (s *Store) Atomic(ctx context.Context, _ string, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.d.clone()
	if err := fn(&tx{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{d: s.d})
}

func pair(a, b string) string       { return a + "|" + b }
func triple(a, b, c string) string  { return a + "|" + b + "|" + c }
func ptr[T any](v T) *T             { return &v }
func get[T any](m map[string]T, id string) (*T, error) {
	v, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ptr(v), nil
}

type tx struct{ d *dataset }

// --- users & projects ---

func (t *tx) GetUser(_ context.Context, id string) (*models.User, error) {
	return get(t.d.users, id)
}

func (t *tx) GetUserByChannel(_ context.Context, address string) (*models.User, error) {
	id, ok := t.d.usersByAddr[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return get(t.d.users, id)
}

func (t *tx) InsertUser(_ context.Context, u *models.User) error {
	if _, ok := t.d.users[u.ID]; ok {
		return store.ErrConflict
	}
	if _, ok := t.d.usersByAddr[u.ChannelAddress]; ok {
		return store.ErrConflict
	}
	t.d.users[u.ID] = *u
	t.d.usersByAddr[u.ChannelAddress] = u.ID
	return nil
}

func (t *tx) SetUserRole(_ context.Context, id string, role models.Role) error {
	u, ok := t.d.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Role = role
	t.d.users[id] = u
	return nil
}

func (t *tx) GetProject(_ context.Context, id string) (*models.Project, error) {
	return get(t.d.projects, id)
}

func (t *tx) InsertProject(_ context.Context, p *models.Project) error {
	if _, ok := t.d.projects[p.ID]; ok {
		return store.ErrConflict
	}
	t.d.projects[p.ID] = *p
	return nil
}

func (t *tx) AddMember(_ context.Context, m models.ProjectMember) error {
	k := pair(m.ProjectID, m.UserID)
	if _, ok := t.d.members[k]; !ok {
		t.d.members[k] = m
	}
	return nil
}

func (t *tx) ListMembers(_ context.Context, projectID string) ([]*models.User, error) {
	var out []*models.User
	for _, m := range t.d.members {
		if m.ProjectID != projectID {
			continue
		}
		if u, ok := t.d.users[m.UserID]; ok {
			out = append(out, ptr(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- campaigns & questions ---

func (t *tx) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	return get(t.d.campaigns, id)
}

func (t *tx) ListCampaigns(_ context.Context, projectID string) ([]*models.Campaign, error) {
	var out []*models.Campaign
	for _, c := range t.d.campaigns {
		if c.ProjectID == projectID {
			out = append(out, ptr(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) InsertCampaign(_ context.Context, c *models.Campaign) error {
	if _, ok := t.d.campaigns[c.ID]; ok {
		return store.ErrConflict
	}
	t.d.campaigns[c.ID] = *c
	return nil
}

func (t *tx) LinkQuestion(_ context.Context, link models.CampaignQuestion) error {
	for _, l := range t.d.links[link.CampaignID] {
		if l.QuestionID == link.QuestionID {
			return store.ErrConflict
		}
	}
	t.d.links[link.CampaignID] = append(t.d.links[link.CampaignID], link)
	return nil
}

func (t *tx) ListCampaignQuestions(_ context.Context, campaignID string) ([]models.CampaignQuestion, error) {
	return append([]models.CampaignQuestion(nil), t.d.links[campaignID]...), nil
}

func (t *tx) GetQuestion(_ context.Context, id string) (*models.Question, error) {
	return get(t.d.questions, id)
}

func (t *tx) InsertQuestion(_ context.Context, q *models.Question) error {
	if _, ok := t.d.questions[q.ID]; ok {
		return store.ErrConflict
	}
	t.d.questions[q.ID] = *q
	return nil
}

func (t *tx) GetTemplate(_ context.Context, id string) (*models.QuestionTemplate, error) {
	return get(t.d.templates, id)
}

func (t *tx) InsertTemplate(_ context.Context, tpl *models.QuestionTemplate) error {
	if _, ok := t.d.templates[tpl.ID]; ok {
		return store.ErrConflict
	}
	cp := *tpl
	cp.FollowUpRules = append([]models.FollowUpRule(nil), tpl.FollowUpRules...)
	t.d.templates[tpl.ID] = cp
	return nil
}

func (t *tx) ListDomains(_ context.Context, projectID string) ([]models.Domain, error) {
	var out []models.Domain
	for _, d := range t.d.domains {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) InsertDomain(_ context.Context, d *models.Domain) error {
	if _, ok := t.d.domains[d.ID]; ok {
		return store.ErrConflict
	}
	t.d.domains[d.ID] = *d
	return nil
}

func (t *tx) InsertTag(_ context.Context, tag *models.Tag) error {
	if _, ok := t.d.tags[tag.ID]; ok {
		return store.ErrConflict
	}
	t.d.tags[tag.ID] = *tag
	return nil
}

// --- sessions & conversation state ---

func (t *tx) GetActiveSession(ctx context.Context, userID, projectID string) (*models.Session, error) {
	return t.GetLatestSession(ctx, userID, projectID, models.SessionActive)
}

func (t *tx) GetLatestSession(_ context.Context, userID, projectID string, status models.SessionStatus) (*models.Session, error) {
	var best *models.Session
	for _, s := range t.d.sessions {
		if s.UserID != userID || s.ProjectID != projectID || s.Status != status {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) || (s.UpdatedAt.Equal(best.UpdatedAt) && s.ID > best.ID) {
			best = ptr(s)
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (t *tx) activeConflict(s *models.Session) bool {
	if s.Status != models.SessionActive {
		return false
	}
	for _, other := range t.d.sessions {
		if other.ID != s.ID && other.UserID == s.UserID && other.ProjectID == s.ProjectID && other.Status == models.SessionActive {
			return true
		}
	}
	return false
}

func (t *tx) InsertSession(_ context.Context, s *models.Session) error {
	if _, ok := t.d.sessions[s.ID]; ok || t.activeConflict(s) {
		return store.ErrConflict
	}
	t.d.sessions[s.ID] = *s
	return nil
}

func (t *tx) UpdateSession(_ context.Context, s *models.Session) error {
	if _, ok := t.d.sessions[s.ID]; !ok {
		return store.ErrNotFound
	}
	if t.activeConflict(s) {
		return store.ErrConflict
	}
	t.d.sessions[s.ID] = *s
	return nil
}

func (t *tx) ListSessions(_ context.Context, userID, projectID string) ([]*models.Session, error) {
	var out []*models.Session
	for _, s := range t.d.sessions {
		if s.UserID == userID && s.ProjectID == projectID {
			out = append(out, ptr(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (t *tx) GetConversationState(_ context.Context, userID, projectID string) (*models.ConversationState, error) {
	return get(t.d.states, pair(userID, projectID))
}

func (t *tx) PutConversationState(_ context.Context, s *models.ConversationState) error {
	t.d.states[pair(s.UserID, s.ProjectID)] = *s
	return nil
}

func (t *tx) ListStaleConversations(_ context.Context, before time.Time) ([]*models.ConversationState, error) {
	var out []*models.ConversationState
	for _, s := range t.d.states {
		if s.Pending() && s.UpdatedAt.Before(before) {
			out = append(out, ptr(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// --- duplicate window ---

func (t *tx) MessageProcessed(_ context.Context, userID, projectID, messageID string) (bool, error) {
	_, ok := t.d.processed[triple(userID, projectID, messageID)]
	return ok, nil
}

func (t *tx) RecordProcessedMessage(_ context.Context, m models.ProcessedMessage) error {
	k := triple(m.UserID, m.ProjectID, m.MessageID)
	if _, ok := t.d.processed[k]; ok {
		return store.ErrConflict
	}
	t.d.processed[k] = m
	return nil
}

func (t *tx) PruneProcessedMessages(_ context.Context, before time.Time) (int, error) {
	n := 0
	for k, m := range t.d.processed {
		if m.ProcessedAt.Before(before) {
			delete(t.d.processed, k)
			n++
		}
	}
	return n, nil
}

// --- responses ---

func (t *tx) InsertResponse(_ context.Context, r *models.Response) error {
	if _, ok := t.d.responses[r.ID]; ok {
		return store.ErrConflict
	}
	mk := triple(r.UserID, r.ProjectID, r.MessageID)
	if r.MessageID != "" {
		if _, ok := t.d.responseMsgs[mk]; ok {
			return store.ErrConflict
		}
		t.d.responseMsgs[mk] = r.ID
	}
	t.d.responses[r.ID] = *r
	t.d.responseOrder = append(t.d.responseOrder, r.ID)
	return nil
}

func (t *tx) GetResponse(_ context.Context, id string) (*models.Response, error) {
	return get(t.d.responses, id)
}

func (t *tx) GetResponseByMedia(_ context.Context, mediaRef string) (*models.Response, error) {
	if mediaRef == "" {
		return nil, store.ErrNotFound
	}
	for _, id := range t.d.responseOrder {
		if r := t.d.responses[id]; r.MediaRef == mediaRef {
			return ptr(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) listResponses(keep func(models.Response) bool) []*models.Response {
	var out []*models.Response
	for _, id := range t.d.responseOrder {
		if r := t.d.responses[id]; keep(r) {
			out = append(out, ptr(r))
		}
	}
	return out
}

func (t *tx) ListResponses(_ context.Context, userID, projectID string) ([]*models.Response, error) {
	return t.listResponses(func(r models.Response) bool { return r.UserID == userID && r.ProjectID == projectID }), nil
}

func (t *tx) ListProjectResponses(_ context.Context, projectID string) ([]*models.Response, error) {
	return t.listResponses(func(r models.Response) bool { return r.ProjectID == projectID }), nil
}

func (t *tx) SetResponseQuality(_ context.Context, id string, flag models.QualityFlag) error {
	r, ok := t.d.responses[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Quality = flag
	t.d.responses[id] = r
	return nil
}

func (t *tx) SetTranscription(_ context.Context, id, text string) error {
	r, ok := t.d.responses[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Transcription = text
	t.d.responses[id] = r
	return nil
}

// --- skips & follow-ups ---

func (t *tx) InsertSkip(_ context.Context, s *models.QuestionSkip) error {
	t.d.skips = append(t.d.skips, *s)
	return nil
}

func (t *tx) ListSkips(_ context.Context, userID, projectID string) ([]*models.QuestionSkip, error) {
	var out []*models.QuestionSkip
	for _, s := range t.d.skips {
		if s.UserID == userID && s.ProjectID == projectID {
			out = append(out, ptr(s))
		}
	}
	return out, nil
}

func (t *tx) InsertFollowUp(_ context.Context, f *models.FollowUpQuestion) error {
	if _, ok := t.d.followUpParent[f.ParentResponseID]; ok {
		return store.ErrConflict
	}
	if _, ok := t.d.followUps[f.ID]; ok {
		return store.ErrConflict
	}
	t.d.followUps[f.ID] = *f
	t.d.followUpParent[f.ParentResponseID] = f.ID
	return nil
}

func (t *tx) GetFollowUp(_ context.Context, id string) (*models.FollowUpQuestion, error) {
	return get(t.d.followUps, id)
}

func (t *tx) GetFollowUpByParent(_ context.Context, responseID string) (*models.FollowUpQuestion, error) {
	id, ok := t.d.followUpParent[responseID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return get(t.d.followUps, id)
}

func (t *tx) SetFollowUpStatus(_ context.Context, id string, status models.FollowUpStatus) error {
	f, ok := t.d.followUps[id]
	if !ok {
		return store.ErrNotFound
	}
	f.Status = status
	t.d.followUps[id] = f
	return nil
}

func (t *tx) InsertFollowUpResponse(_ context.Context, r *models.FollowUpResponse) error {
	if _, ok := t.d.followUpAnswer[r.FollowUpID]; ok {
		return store.ErrConflict
	}
	t.d.followUpAnswer[r.FollowUpID] = *r
	return nil
}

// --- sentences & validations ---

func (t *tx) InsertSentence(_ context.Context, s *models.LinguistSentence) error {
	if _, ok := t.d.sentences[s.ID]; ok {
		return store.ErrConflict
	}
	t.d.sentences[s.ID] = *s
	return nil
}

func (t *tx) GetSentence(_ context.Context, id string) (*models.LinguistSentence, error) {
	return get(t.d.sentences, id)
}

func (t *tx) InsertValidation(_ context.Context, v *models.Validation) error {
	if v.Target.IsZero() {
		return models.ErrTargetConflict
	}
	t.d.validations = append(t.d.validations, *v)
	return nil
}

func (t *tx) ListValidations(_ context.Context, target models.Target) ([]*models.Validation, error) {
	var out []*models.Validation
	for _, v := range t.d.validations {
		if v.Target == target {
			out = append(out, ptr(v))
		}
	}
	return out, nil
}

// --- progress ---

func (t *tx) GetProgress(_ context.Context, userID, projectID, campaignID string) (*models.UserProgress, error) {
	return get(t.d.progress, triple(userID, projectID, campaignID))
}

func (t *tx) PutProgress(_ context.Context, p *models.UserProgress) error {
	t.d.progress[triple(p.UserID, p.ProjectID, p.CampaignID)] = *p
	return nil
}

func (t *tx) ListProgress(_ context.Context, projectID string) ([]*models.UserProgress, error) {
	var out []*models.UserProgress
	for _, p := range t.d.progress {
		if p.ProjectID == projectID {
			out = append(out, ptr(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CampaignID < out[j].CampaignID
	})
	return out, nil
}
