// Package seed loads projects, campaigns and questions from a YAML file into
// the store. Applying the same file twice leaves the store unchanged.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

type File struct {
	Users    []User    `yaml:"users"`
	Projects []Project `yaml:"projects"`
}

type User struct {
	ID      string      `yaml:"id"`
	Address string      `yaml:"address"`
	Role    models.Role `yaml:"role"`
}

type Project struct {
	ID                string           `yaml:"id"`
	Title             string           `yaml:"title"`
	InterfaceLanguage string           `yaml:"interface_language"`
	TargetLanguage    string           `yaml:"target_language"`
	CreatedBy         string           `yaml:"created_by"`
	Bot               models.BotConfig `yaml:"bot"`
	Domains           []Domain         `yaml:"domains"`
	Tags              []string         `yaml:"tags"`
	Templates         []Template       `yaml:"templates"`
	Campaigns         []Campaign       `yaml:"campaigns"`
	Sentences         []Sentence       `yaml:"sentences"`
}

type Domain struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
}

type Template struct {
	ID    string                `yaml:"id"`
	Name  string                `yaml:"name"`
	Rules []models.FollowUpRule `yaml:"rules"`
}

type Campaign struct {
	ID        string     `yaml:"id"`
	Name      string     `yaml:"name"`
	Position  int        `yaml:"position"`
	Active    *bool      `yaml:"active"`
	Questions []Question `yaml:"questions"`
}

type Question struct {
	ID             string              `yaml:"id"`
	Text           string              `yaml:"text"`
	InputLanguage  string              `yaml:"input_language"`
	OutputLanguage string              `yaml:"output_language"`
	Domain         string              `yaml:"domain"`
	Template       string              `yaml:"template"`
	MediaPrompt    string              `yaml:"media_prompt"`
	Expected       models.ResponseType `yaml:"expected"`
	Position       *int                `yaml:"position"`
}

type Sentence struct {
	ID       string `yaml:"id"`
	Author   string `yaml:"author"`
	Text     string `yaml:"text"`
	Language string `yaml:"language"`
}

// RuleChecker compiles follow-up rules so a bad expression fails the load.
type RuleChecker interface {
	ValidateRules(rules []models.FollowUpRule) error
}

// Load reads and validates a seed file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a seed document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	userIDs := map[string]bool{}
	for i, u := range f.Users {
		if u.ID == "" || strings.TrimSpace(u.Address) == "" {
			return fmt.Errorf("users[%d]: id and address are required", i)
		}
		if u.Role == "" {
			f.Users[i].Role = models.RoleCommunityMember
		} else if !u.Role.Valid() {
			return fmt.Errorf("users[%d]: unknown role %q", i, u.Role)
		}
		userIDs[u.ID] = true
	}
	for _, p := range f.Projects {
		if p.ID == "" || p.Title == "" {
			return errors.New("project id and title are required")
		}
		if _, err := models.NewDomainTree(domainsOf(p)); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		for _, c := range p.Campaigns {
			if c.ID == "" {
				return fmt.Errorf("project %s: campaign without id", p.ID)
			}
			for _, q := range c.Questions {
				if q.ID == "" || strings.TrimSpace(q.Text) == "" {
					return fmt.Errorf("campaign %s: question id and text are required", c.ID)
				}
				switch q.Expected {
				case "", models.ResponseText, models.ResponseVoice, models.ResponseImage, models.ResponseEither, models.ResponseBoth:
				default:
					return fmt.Errorf("question %s: unknown expected type %q", q.ID, q.Expected)
				}
			}
		}
		for _, s := range p.Sentences {
			if s.ID == "" || !userIDs[s.Author] {
				return fmt.Errorf("project %s: sentence %q needs an id and a known author", p.ID, s.ID)
			}
		}
		if p.CreatedBy != "" && !userIDs[p.CreatedBy] {
			return fmt.Errorf("project %s: unknown creator %q", p.ID, p.CreatedBy)
		}
	}
	return nil
}

// Apply writes the file to the store, one transaction per project.
func Apply(ctx context.Context, s store.Store, f *File, rules RuleChecker, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("module", "seed"))
	now := time.Now().UTC()

	if rules != nil {
		for _, p := range f.Projects {
			for _, t := range p.Templates {
				if err := rules.ValidateRules(t.Rules); err != nil {
					return fmt.Errorf("template %s: %w", t.ID, err)
				}
			}
		}
	}

	err := s.Atomic(ctx, "seed|users", func(tx store.Tx) error {
		for _, u := range f.Users {
			addr := strings.TrimSpace(u.Address)
			existing, err := tx.GetUserByChannel(ctx, addr)
			switch {
			case err == nil:
				if existing.ID != u.ID {
					return fmt.Errorf("user %s: address already enrolled as %s", u.ID, existing.ID)
				}
				if existing.Role != u.Role {
					err = tx.SetUserRole(ctx, u.ID, u.Role)
				}
			case errors.Is(err, store.ErrNotFound):
				err = tx.InsertUser(ctx, &models.User{ID: u.ID, ChannelAddress: addr, Role: u.Role, CreatedAt: now})
			}
			if err != nil {
				return fmt.Errorf("user %s: %w", u.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range f.Projects {
		if err := s.Atomic(ctx, "seed|"+p.ID, func(tx store.Tx) error { return applyProject(ctx, tx, p, now) }); err != nil {
			return fmt.Errorf("project %s: %w", p.ID, err)
		}
		log.Info("project seeded", zap.String("project_id", p.ID), zap.Int("campaigns", len(p.Campaigns)))
	}
	return nil
}

// ignoreConflict treats an existing row as already seeded.
func ignoreConflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

func applyProject(ctx context.Context, tx store.Tx, p Project, now time.Time) error {
	lang := p.InterfaceLanguage
	if lang == "" {
		lang = "en"
	}
	err := tx.InsertProject(ctx, &models.Project{
		ID: p.ID, Title: p.Title, InterfaceLanguage: lang, TargetLanguage: p.TargetLanguage,
		CreatedBy: p.CreatedBy, Bot: p.Bot, CreatedAt: now,
	})
	if err := ignoreConflict(err); err != nil {
		return err
	}
	if p.CreatedBy != "" {
		if err := tx.AddMember(ctx, models.ProjectMember{ProjectID: p.ID, UserID: p.CreatedBy, JoinedAt: now}); err != nil {
			return err
		}
	}
	// parents first so SQL foreign keys hold
	tree, err := models.NewDomainTree(domainsOf(p))
	if err != nil {
		return err
	}
	for _, d := range tree.TopDown() {
		d := d
		if err := ignoreConflict(tx.InsertDomain(ctx, &d)); err != nil {
			return fmt.Errorf("domain %s: %w", d.ID, err)
		}
	}
	for _, name := range p.Tags {
		if err := ignoreConflict(tx.InsertTag(ctx, &models.Tag{ID: p.ID + ":" + name, ProjectID: p.ID, Name: name})); err != nil {
			return fmt.Errorf("tag %s: %w", name, err)
		}
	}
	for _, t := range p.Templates {
		if err := ignoreConflict(tx.InsertTemplate(ctx, &models.QuestionTemplate{ID: t.ID, ProjectID: p.ID, Name: t.Name, FollowUpRules: t.Rules})); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	for i, c := range p.Campaigns {
		active := c.Active == nil || *c.Active
		pos := c.Position
		if pos == 0 {
			pos = i + 1
		}
		if err := ignoreConflict(tx.InsertCampaign(ctx, &models.Campaign{ID: c.ID, ProjectID: p.ID, Name: c.Name, Position: pos, Active: active, CreatedAt: now})); err != nil {
			return fmt.Errorf("campaign %s: %w", c.ID, err)
		}
		for j, q := range c.Questions {
			// unpositioned questions keep file order through created_at
			created := now.Add(time.Duration(j) * time.Millisecond)
			err := tx.InsertQuestion(ctx, &models.Question{
				ID: q.ID, ProjectID: p.ID, Text: q.Text,
				InputLanguage: q.InputLanguage, OutputLanguage: q.OutputLanguage,
				DomainID: q.Domain, TemplateID: q.Template, MediaPrompt: q.MediaPrompt,
				Expected: q.Expected, CreatedAt: created,
			})
			if err := ignoreConflict(err); err != nil {
				return fmt.Errorf("question %s: %w", q.ID, err)
			}
			if err := ignoreConflict(tx.LinkQuestion(ctx, models.CampaignQuestion{CampaignID: c.ID, QuestionID: q.ID, Position: q.Position})); err != nil {
				return fmt.Errorf("link question %s: %w", q.ID, err)
			}
		}
	}
	for _, sn := range p.Sentences {
		err := tx.InsertSentence(ctx, &models.LinguistSentence{ID: sn.ID, ProjectID: p.ID, AuthorID: sn.Author, Text: sn.Text, Language: sn.Language, CreatedAt: now})
		if err := ignoreConflict(err); err != nil {
			return fmt.Errorf("sentence %s: %w", sn.ID, err)
		}
	}
	return nil
}

func domainsOf(p Project) []models.Domain {
	out := make([]models.Domain, 0, len(p.Domains))
	for _, d := range p.Domains {
		out = append(out, models.Domain{ID: d.ID, ProjectID: p.ID, Name: d.Name, ParentID: d.Parent})
	}
	return out
}
