// Package store defines the progress store the engine runs against. The store
// is a transactional key/value-by-primary-key service; adapters live in
// internal/db (SQL) and internal/store/memstore (in-process).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/soaringjerry/Elicit/internal/models"
)

var (
	// ErrNotFound is returned by getters when no row matches.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness invariant.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable marks transient failures; callers may retry the whole transaction.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store runs functions against a consistent view of the data.
type Store interface {
	// Atomic runs fn in a single transaction. key names the (user, project)
	// conversation being modified; adapters may use it for row or advisory
	// locking. If fn returns an error nothing fn wrote is kept.
	Atomic(ctx context.Context, key string, fn func(tx Tx) error) error
	// View runs fn for reads. Writes made from View are not guaranteed atomic.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside Atomic and View.
type Tx interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByChannel(ctx context.Context, address string) (*models.User, error)
	InsertUser(ctx context.Context, u *models.User) error
	SetUserRole(ctx context.Context, id string, role models.Role) error

	GetProject(ctx context.Context, id string) (*models.Project, error)
	InsertProject(ctx context.Context, p *models.Project) error
	AddMember(ctx context.Context, m models.ProjectMember) error
	ListMembers(ctx context.Context, projectID string) ([]*models.User, error)

	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	// ListCampaigns returns a project's campaigns ordered by position then id.
	ListCampaigns(ctx context.Context, projectID string) ([]*models.Campaign, error)
	InsertCampaign(ctx context.Context, c *models.Campaign) error
	LinkQuestion(ctx context.Context, link models.CampaignQuestion) error
	ListCampaignQuestions(ctx context.Context, campaignID string) ([]models.CampaignQuestion, error)

	GetQuestion(ctx context.Context, id string) (*models.Question, error)
	InsertQuestion(ctx context.Context, q *models.Question) error
	GetTemplate(ctx context.Context, id string) (*models.QuestionTemplate, error)
	InsertTemplate(ctx context.Context, t *models.QuestionTemplate) error
	ListDomains(ctx context.Context, projectID string) ([]models.Domain, error)
	InsertDomain(ctx context.Context, d *models.Domain) error
	InsertTag(ctx context.Context, t *models.Tag) error

	GetActiveSession(ctx context.Context, userID, projectID string) (*models.Session, error)
	// GetLatestSession returns the most recently updated session with status.
	GetLatestSession(ctx context.Context, userID, projectID string, status models.SessionStatus) (*models.Session, error)
	// InsertSession fails with ErrConflict if an active session already exists for the pair.
	InsertSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context, userID, projectID string) ([]*models.Session, error)

	GetConversationState(ctx context.Context, userID, projectID string) (*models.ConversationState, error)
	PutConversationState(ctx context.Context, s *models.ConversationState) error
	// ListStaleConversations returns pending conversations not touched since before.
	ListStaleConversations(ctx context.Context, before time.Time) ([]*models.ConversationState, error)

	MessageProcessed(ctx context.Context, userID, projectID, messageID string) (bool, error)
	RecordProcessedMessage(ctx context.Context, m models.ProcessedMessage) error
	PruneProcessedMessages(ctx context.Context, before time.Time) (int, error)

	// InsertResponse fails with ErrConflict when the message id was already used.
	InsertResponse(ctx context.Context, r *models.Response) error
	GetResponse(ctx context.Context, id string) (*models.Response, error)
	GetResponseByMedia(ctx context.Context, mediaRef string) (*models.Response, error)
	ListResponses(ctx context.Context, userID, projectID string) ([]*models.Response, error)
	ListProjectResponses(ctx context.Context, projectID string) ([]*models.Response, error)
	SetResponseQuality(ctx context.Context, id string, flag models.QualityFlag) error
	SetTranscription(ctx context.Context, id, text string) error

	InsertSkip(ctx context.Context, s *models.QuestionSkip) error
	ListSkips(ctx context.Context, userID, projectID string) ([]*models.QuestionSkip, error)

	// InsertFollowUp fails with ErrConflict when the parent already has one.
	InsertFollowUp(ctx context.Context, f *models.FollowUpQuestion) error
	GetFollowUp(ctx context.Context, id string) (*models.FollowUpQuestion, error)
	GetFollowUpByParent(ctx context.Context, responseID string) (*models.FollowUpQuestion, error)
	SetFollowUpStatus(ctx context.Context, id string, status models.FollowUpStatus) error
	InsertFollowUpResponse(ctx context.Context, r *models.FollowUpResponse) error

	InsertSentence(ctx context.Context, s *models.LinguistSentence) error
	GetSentence(ctx context.Context, id string) (*models.LinguistSentence, error)

	InsertValidation(ctx context.Context, v *models.Validation) error
	ListValidations(ctx context.Context, target models.Target) ([]*models.Validation, error)

	GetProgress(ctx context.Context, userID, projectID, campaignID string) (*models.UserProgress, error)
	PutProgress(ctx context.Context, p *models.UserProgress) error
	ListProgress(ctx context.Context, projectID string) ([]*models.UserProgress, error)
}

// ConversationKey is the lock and queue key for a (user, project) pair.
func ConversationKey(userID, projectID string) string {
	return userID + "|" + projectID
}
