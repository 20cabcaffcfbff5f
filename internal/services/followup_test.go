package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

var shortAnswerRules = []models.FollowUpRule{
	{Name: "short", When: "words < 3", Prompt: `Can you use "{{.Text}}" in a full sentence?`},
}

// withTemplate stores template T1, which the fixture questions point at.
func withTemplate(f *fixture, rules []models.FollowUpRule) {
	f.seed(func(tx store.Tx) error {
		return tx.InsertTemplate(f.ctx, &models.QuestionTemplate{ID: "T1", ProjectID: "P1", Name: "kin", FollowUpRules: rules})
	})
}

func TestFollowUpProbabilityOneAlwaysProbes(t *testing.T) {
	f := newFixture(t, models.BotConfig{FollowUpProbability: 1})
	withTemplate(f, shortAnswerRules)
	f.text(alice, "m1", "hello")

	reply := f.text(alice, "m2", "mama")
	assert.Equal(t, []string{`Can you use "mama" in a full sentence?`}, texts(reply))
	assert.Equal(t, models.StatusAwaitingFollowUp, reply.State)
	st := f.state(alice)
	fuID := st.FollowUpID
	require.NotEmpty(t, fuID)

	reply = f.text(alice, "m3", "mama anapika chakula")
	assert.Equal(t, []string{"Thank you!", "Question Q2"}, texts(reply))

	reply = f.text(alice, "m4", "baba")
	assert.Equal(t, models.StatusAwaitingFollowUp, reply.State)

	rs := f.responses(alice)
	require.Len(t, rs, 2)
	f.view(func(tx store.Tx) {
		for _, r := range rs {
			fu, err := tx.GetFollowUpByParent(f.ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, "short", fu.Rule)
		}
		fu, err := tx.GetFollowUp(f.ctx, fuID)
		require.NoError(t, err)
		assert.Equal(t, models.FollowUpAnswered, fu.Status)
	})

	// a second follow-up for the same response is refused
	err := f.store.Atomic(f.ctx, "again", func(tx store.Tx) error {
		q, err := tx.GetQuestion(f.ctx, "Q1")
		require.NoError(t, err)
		_, err = f.engine.followUps.MaybeFollowUp(f.ctx, tx, rs[0], q, models.BotConfig{FollowUpProbability: 1})
		return err
	})
	assert.ErrorIs(t, err, ErrFollowUpExists)
}

func TestFollowUpRuleMustMatch(t *testing.T) {
	f := newFixture(t, models.BotConfig{FollowUpProbability: 1})
	withTemplate(f, shortAnswerRules)
	f.text(alice, "m1", "hello")

	reply := f.text(alice, "m2", "my mother's younger sister")
	assert.Equal(t, []string{"Thank you!", "Question Q2"}, texts(reply))
}

func TestFollowUpProbabilityZeroNeverProbes(t *testing.T) {
	f := newFixture(t, models.BotConfig{FollowUpProbability: 0})
	withTemplate(f, shortAnswerRules)
	f.text(alice, "m1", "hello")
	reply := f.text(alice, "m2", "mama")
	assert.Equal(t, models.StatusAwaitingAnswer, reply.State)
}

func TestFollowUpDrawAboveProbability(t *testing.T) {
	f := newFixture(t, models.BotConfig{FollowUpProbability: 0.3})
	withTemplate(f, shortAnswerRules)
	f.engine.followUps.rand = func() float64 { return 0.3 }
	f.text(alice, "m1", "hello")
	reply := f.text(alice, "m2", "mama")
	assert.Equal(t, models.StatusAwaitingAnswer, reply.State)

	f.engine.followUps.rand = func() float64 { return 0.29 }
	reply = f.text(alice, "m3", "baba")
	assert.Equal(t, models.StatusAwaitingFollowUp, reply.State)
}

func TestFollowUpAbandonedAfterRetries(t *testing.T) {
	f := newFixture(t, models.BotConfig{FollowUpProbability: 1, MaxRetryAttempts: 2})
	withTemplate(f, shortAnswerRules)
	f.text(alice, "m1", "hello")
	f.text(alice, "m2", "mama")
	fuID := f.state(alice).FollowUpID

	reply := f.send(alice, "m3", models.ModalityImage, "", "media/x.jpg")
	assert.Equal(t, models.StatusAwaitingFollowUp, reply.State)
	reply = f.send(alice, "m4", models.ModalityImage, "", "media/y.jpg")
	assert.Equal(t, []string{"Let's continue with the next question.", "Question Q2"}, texts(reply))

	f.view(func(tx store.Tx) {
		fu, err := tx.GetFollowUp(f.ctx, fuID)
		require.NoError(t, err)
		assert.Equal(t, models.FollowUpAbandoned, fu.Status)
	})
}

func TestMatchIsDeterministicAndUsesDomains(t *testing.T) {
	g := NewFollowUpGenerator(nil)
	tree, err := models.NewDomainTree([]models.Domain{
		{ID: "d1", Name: "Kinship"},
		{ID: "d2", Name: "Siblings", ParentID: "d1"},
	})
	require.NoError(t, err)
	rules := []models.FollowUpRule{
		{Name: "media", When: "has_media", Prompt: "Describe the picture."},
		{Name: "kin", When: `within("kinship") && length > 3`, Prompt: "Who else do you call {{.Text}}?"},
		{Name: "fallback", Prompt: "Anything to add?"},
	}
	resp := &models.Response{Type: models.ModalityText, Text: "dada"}

	for i := 0; i < 3; i++ {
		r, err := g.Match(rules, resp, tree, "d2")
		require.NoError(t, err)
		assert.Equal(t, "kin", r.Name)
	}
	r, err := g.Match(rules, resp, tree, "")
	require.NoError(t, err)
	assert.Equal(t, "fallback", r.Name)

	r, err = g.Match(rules, &models.Response{Type: models.ModalityImage, MediaRef: "m.jpg"}, tree, "d2")
	require.NoError(t, err)
	assert.Equal(t, "media", r.Name)

	r, err = g.Match(rules[:2], &models.Response{Type: models.ModalityText, Text: "x"}, tree, "")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestValidateRules(t *testing.T) {
	g := NewFollowUpGenerator(nil)
	assert.NoError(t, g.ValidateRules(shortAnswerRules))

	err := g.ValidateRules([]models.FollowUpRule{{Name: "bad", When: "words <", Prompt: "x"}})
	var re *RuleError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "bad", re.Rule)

	assert.Error(t, g.ValidateRules([]models.FollowUpRule{{Name: "tpl", Prompt: "{{.Text"}}))
	assert.Error(t, g.ValidateRules([]models.FollowUpRule{{Name: "empty"}}))
	assert.Error(t, g.ValidateRules([]models.FollowUpRule{{Name: "num", When: "length + 1", Prompt: "x"}}))
}
