package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

// ruleEnv is what a follow-up rule's `when` expression sees.
type ruleEnv struct {
	Text          string            `expr:"text"`
	Length        int               `expr:"length"`
	Words         int               `expr:"words"`
	Type          string            `expr:"type"`
	Domain        string            `expr:"domain"`
	HasMedia      bool              `expr:"has_media"`
	Transcription string            `expr:"transcription"`
	Within        func(string) bool `expr:"within"`
}

// RuleError reports a follow-up rule that failed to compile or evaluate.
type RuleError struct {
	Rule string
	Err  error
}

func (e *RuleError) Error() string { return fmt.Sprintf("rule %q: %v", e.Rule, e.Err) }
func (e *RuleError) Unwrap() error { return e.Err }

// promptData is what a rule's prompt template renders against.
type promptData struct {
	Text     string
	Question string
	Domain   string
}

// FollowUpGenerator decides whether to probe a response further.
type FollowUpGenerator struct {
	rand        func() float64
	now         func() time.Time
	idGenerator func() string

	programs  sync.Map // rule expression -> *vm.Program
	templates sync.Map // prompt text -> *template.Template
}

func NewFollowUpGenerator(rand func() float64) *FollowUpGenerator {
	return &FollowUpGenerator{
		rand:        rand,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

func (g *FollowUpGenerator) program(src string) (*vm.Program, error) {
	if p, ok := g.programs.Load(src); ok {
		return p.(*vm.Program), nil
	}
	p, err := expr.Compile(src, expr.Env(ruleEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	g.programs.Store(src, p)
	return p, nil
}

func (g *FollowUpGenerator) template(src string) (*template.Template, error) {
	if t, ok := g.templates.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("followup").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	g.templates.Store(src, t)
	return t, nil
}

// ValidateRules compiles every rule so broken templates are caught at load time.
func (g *FollowUpGenerator) ValidateRules(rules []models.FollowUpRule) error {
	for _, r := range rules {
		if strings.TrimSpace(r.Prompt) == "" {
			return fmt.Errorf("rule %q: empty prompt", r.Name)
		}
		if _, err := g.template(r.Prompt); err != nil {
			return &RuleError{Rule: r.Name, Err: err}
		}
		if strings.TrimSpace(r.When) == "" {
			continue
		}
		if _, err := g.program(r.When); err != nil {
			return &RuleError{Rule: r.Name, Err: err}
		}
	}
	return nil
}

// Match returns the first rule, in declaration order, whose predicate holds
// for the response. The result depends only on the response and the rules.
func (g *FollowUpGenerator) Match(rules []models.FollowUpRule, resp *models.Response, domains *models.DomainTree, domainID string) (*models.FollowUpRule, error) {
	text := resp.Text
	if text == "" {
		text = resp.Transcription
	}
	env := ruleEnv{
		Text:          text,
		Length:        len([]rune(text)),
		Words:         len(strings.Fields(text)),
		Type:          string(resp.Type),
		Domain:        domains.Path(domainID),
		HasMedia:      resp.MediaRef != "",
		Transcription: resp.Transcription,
		Within:        func(name string) bool { return domains.Within(domainID, name) },
	}
	for i := range rules {
		r := &rules[i]
		if strings.TrimSpace(r.When) == "" {
			return r, nil
		}
		p, err := g.program(r.When)
		if err != nil {
			return nil, &RuleError{Rule: r.Name, Err: err}
		}
		out, err := expr.Run(p, env)
		if err != nil {
			return nil, &RuleError{Rule: r.Name, Err: err}
		}
		if ok, _ := out.(bool); ok {
			return r, nil
		}
	}
	return nil, nil
}

// MaybeFollowUp draws against bot.FollowUpProbability and, when the question's
// template has a matching rule, stores a pending FollowUpQuestion for resp.
// It returns nil when no follow-up is asked.
func (g *FollowUpGenerator) MaybeFollowUp(ctx context.Context, tx store.Tx, resp *models.Response, q *models.Question, bot models.BotConfig) (*models.FollowUpQuestion, error) {
	if bot.FollowUpProbability <= 0 || q.TemplateID == "" {
		return nil, nil
	}
	if g.rand() >= bot.FollowUpProbability {
		return nil, nil
	}
	tpl, err := tx.GetTemplate(ctx, q.TemplateID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if len(tpl.FollowUpRules) == 0 {
		return nil, nil
	}
	if _, err := tx.GetFollowUpByParent(ctx, resp.ID); err == nil {
		return nil, ErrFollowUpExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get follow-up: %w", err)
	}

	domains, err := tx.ListDomains(ctx, q.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	tree, err := models.NewDomainTree(domains)
	if err != nil {
		return nil, NewInvariantError(err.Error())
	}
	rule, err := g.Match(tpl.FollowUpRules, resp, tree, q.DomainID)
	if err != nil || rule == nil {
		return nil, err
	}
	t, err := g.template(rule.Prompt)
	if err != nil {
		return nil, &RuleError{Rule: rule.Name, Err: err}
	}
	var buf bytes.Buffer
	data := promptData{Text: resp.Text, Question: q.Text, Domain: tree.Path(q.DomainID)}
	if data.Text == "" {
		data.Text = resp.Transcription
	}
	if err := t.Execute(&buf, data); err != nil {
		return nil, &RuleError{Rule: rule.Name, Err: err}
	}

	fu := &models.FollowUpQuestion{
		ID:               g.idGenerator(),
		ParentResponseID: resp.ID,
		UserID:           resp.UserID,
		ProjectID:        resp.ProjectID,
		Rule:             rule.Name,
		Text:             strings.TrimSpace(buf.String()),
		Status:           models.FollowUpPending,
		CreatedAt:        g.now(),
	}
	if err := tx.InsertFollowUp(ctx, fu); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrFollowUpExists
		}
		return nil, fmt.Errorf("insert follow-up: %w", err)
	}
	return fu, nil
}
