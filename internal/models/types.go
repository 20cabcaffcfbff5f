package models

import "time"

// Role is a user's standing across projects. Only admins change it.
type Role string

const (
	RoleLinguist        Role = "linguist"
	RoleCommunityMember Role = "community_member"
	RoleAdmin           Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleLinguist, RoleCommunityMember, RoleAdmin:
		return true
	}
	return false
}

// Reviews reports whether the role may validate linguist-authored sentences.
func (r Role) Reviews() bool { return r == RoleLinguist || r == RoleAdmin }

// User is a contributor, linguist or admin reachable on a messaging channel.
type User struct {
	ID             string
	ChannelAddress string // e.g. a WhatsApp number; treat as PII
	Role           Role
	CreatedAt      time.Time
}

const (
	DefaultMaxRetryAttempts = 3
)

// BotConfig is the per-project conversation policy handed to the engine components.
type BotConfig struct {
	MaxRetryAttempts    int     `json:"max_retry_attempts" yaml:"max_retry_attempts"`
	FollowUpProbability float64 `json:"follow_up_probability" yaml:"follow_up_probability"`
	Greeting            string  `json:"greeting,omitempty" yaml:"greeting"`
	PreferVoice         bool    `json:"prefer_voice" yaml:"prefer_voice"`
}

// Normalized fills defaults and clamps the probability into [0,1].
func (c BotConfig) Normalized() BotConfig {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.FollowUpProbability < 0 {
		c.FollowUpProbability = 0
	}
	if c.FollowUpProbability > 1 {
		c.FollowUpProbability = 1
	}
	return c
}

// Project is a documentation effort for one target language.
type Project struct {
	ID                string
	Title             string
	InterfaceLanguage string // language the bot speaks to contributors
	TargetLanguage    string // language being documented
	CreatedBy         string
	Bot               BotConfig
	CreatedAt         time.Time
}

// Campaign is an ordered elicitation round within a project.
type Campaign struct {
	ID        string
	ProjectID string
	Name      string
	Position  int
	Active    bool
	CreatedAt time.Time
}

// CampaignQuestion links a question into a campaign. Position is nil for
// questions appended after the explicitly sequenced ones.
type CampaignQuestion struct {
	CampaignID string
	QuestionID string
	Position   *int
}

// Modality is the shape of an inbound message.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
	ModalityImage Modality = "image"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m == ModalityText || m == ModalityVoice || m == ModalityImage
}

// ResponseType is what a question expects back.
type ResponseType string

const (
	ResponseText   ResponseType = "text"
	ResponseVoice  ResponseType = "voice"
	ResponseImage  ResponseType = "image"
	ResponseEither ResponseType = "either" // text or voice
	ResponseBoth   ResponseType = "both"   // any modality
)

// Accepts reports whether a message of modality m answers a question of type t.
// An empty type is treated as text.
func (t ResponseType) Accepts(m Modality) bool {
	switch t {
	case "", ResponseText:
		return m == ModalityText
	case ResponseVoice:
		return m == ModalityVoice
	case ResponseImage:
		return m == ModalityImage
	case ResponseEither:
		return m == ModalityText || m == ModalityVoice
	case ResponseBoth:
		return m.Valid()
	}
	return false
}

// Question is a single elicitation item. Questions are immutable; edits create new ones.
type Question struct {
	ID             string
	ProjectID      string
	Text           string
	InputLanguage  string
	OutputLanguage string
	DomainID       string
	MediaPrompt    string // optional image/audio reference shown with the prompt
	TemplateID     string
	Expected       ResponseType
	CreatedAt      time.Time
}

// FollowUpRule declares when a follow-up is eligible and how it is worded.
// When is an expression over response characteristics; empty means always.
// Prompt is a text/template.
type FollowUpRule struct {
	Name   string `json:"name" yaml:"name"`
	When   string `json:"when,omitempty" yaml:"when"`
	Prompt string `json:"prompt" yaml:"prompt"`
}

// QuestionTemplate is the origin of generated questions and carries follow-up rules.
type QuestionTemplate struct {
	ID            string
	ProjectID     string
	Name          string
	FollowUpRules []FollowUpRule
}

// Tag labels questions inside a project.
type Tag struct {
	ID        string
	ProjectID string
	Name      string
}

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Session is one continuous engagement window between a user and a project.
type Session struct {
	ID         string
	UserID     string
	ProjectID  string
	CampaignID string // empty when the session walks all active campaigns
	Status     SessionStatus
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// ProjectMember records that a user takes part in a project.
type ProjectMember struct {
	ProjectID string
	UserID    string
	JoinedAt  time.Time
}

type ConversationStatus string

const (
	StatusIdle               ConversationStatus = "idle"
	StatusAwaitingAnswer     ConversationStatus = "awaiting_answer"
	StatusAwaitingFollowUp   ConversationStatus = "awaiting_follow_up"
	StatusAwaitingValidation ConversationStatus = "awaiting_validation"
	StatusCompleted          ConversationStatus = "completed"
)

// ConversationState is the cursor for one (user, project) pair.
type ConversationState struct {
	UserID          string
	ProjectID       string
	SessionID       string
	CampaignID      string
	Status          ConversationStatus
	QuestionID      string // pending question while awaiting an answer
	FollowUpID      string // pending follow-up, also held while a review interrupts it
	Target          Target // pending review while awaiting validation
	RetryCount      int
	LastMessageSent string
	UpdatedAt       time.Time
}

// Pending reports whether the conversation is waiting on the user.
func (s *ConversationState) Pending() bool {
	switch s.Status {
	case StatusAwaitingAnswer, StatusAwaitingFollowUp, StatusAwaitingValidation:
		return true
	}
	return false
}

type QualityFlag string

const (
	QualityUnreviewed  QualityFlag = "unreviewed"
	QualityGood        QualityFlag = "good"
	QualityNeedsReview QualityFlag = "needs_review"
	QualityInvalid     QualityFlag = "invalid"
)

// Response is a contributor's answer to a question.
type Response struct {
	ID            string
	SessionID     string
	UserID        string
	ProjectID     string
	CampaignID    string
	QuestionID    string
	MessageID     string
	Type          Modality
	Text          string
	MediaRef      string
	Transcription string
	Quality       QualityFlag
	CreatedAt     time.Time
}

type FollowUpStatus string

const (
	FollowUpPending   FollowUpStatus = "pending"
	FollowUpAnswered  FollowUpStatus = "answered"
	FollowUpAbandoned FollowUpStatus = "abandoned"
)

// FollowUpQuestion probes a parent response. At most one exists per response.
type FollowUpQuestion struct {
	ID               string
	ParentResponseID string
	UserID           string
	ProjectID        string
	Rule             string
	Text             string
	Status           FollowUpStatus
	CreatedAt        time.Time
}

// FollowUpResponse answers a FollowUpQuestion.
type FollowUpResponse struct {
	ID         string
	FollowUpID string
	MessageID  string
	Type       Modality
	Text       string
	MediaRef   string
	CreatedAt  time.Time
}

// LinguistSentence is a sentence authored by a linguist for community validation.
type LinguistSentence struct {
	ID        string
	ProjectID string
	AuthorID  string
	Text      string
	Language  string
	CreatedAt time.Time
}

// Verdict is a reviewer's judgement.
type Verdict struct {
	Valid      bool
	Confidence float64
	Comments   string
}

// Validation attaches a verdict to exactly one target.
type Validation struct {
	ID          string
	Target      Target
	ValidatorID string
	Verdict     Verdict
	CreatedAt   time.Time
}

// QuestionSkip records a question given up on after retries ran out or the
// conversation expired.
type QuestionSkip struct {
	ID         string
	UserID     string
	ProjectID  string
	CampaignID string
	QuestionID string
	SessionID  string
	Reason     string
	CreatedAt  time.Time
}

// ProcessedMessage remembers an inbound message id so redelivery is a no-op.
type ProcessedMessage struct {
	UserID      string
	ProjectID   string
	MessageID   string
	ProcessedAt time.Time
}

// UserProgress is a denormalized counter cache; responses and skips are the truth.
type UserProgress struct {
	UserID     string
	ProjectID  string
	CampaignID string
	Answered   int
	Skipped    int
	Total      int
	UpdatedAt  time.Time
}
