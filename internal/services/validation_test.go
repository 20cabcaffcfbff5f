package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

const (
	bob   = "+255700000002"
	carol = "+255700000003"
	dave  = "+255700000004"
)

// reviewFixture has alice answer Q1, enrolls bob, carol and dave as members
// and stores a linguist-authored sentence S1 written by dave.
func reviewFixture(t *testing.T) (*fixture, *models.Response) {
	return reviewFixtureWith(t, models.BotConfig{})
}

func reviewFixtureWith(t *testing.T, bot models.BotConfig) (*fixture, *models.Response) {
	f := newFixture(t, bot)
	f.text(alice, "m1", "hello")
	f.text(alice, "m2", "mama")
	for _, addr := range []string{bob, carol, dave} {
		f.text(addr, "hi-"+addr, "hello")
	}
	daveID := f.user(dave).ID
	f.seed(func(tx store.Tx) error {
		require.NoError(t, tx.SetUserRole(f.ctx, daveID, models.RoleLinguist))
		return tx.InsertSentence(f.ctx, &models.LinguistSentence{ID: "S1", ProjectID: "P1", AuthorID: daveID, Text: "Mama anapika."})
	})
	return f, f.responses(alice)[0]
}

func (f *fixture) record(addr string, target models.Target, valid bool) error {
	uid := f.user(addr).ID
	return f.store.Atomic(f.ctx, "validate", func(tx store.Tx) error {
		_, err := f.engine.validator.Record(f.ctx, tx, uid, target, models.Verdict{Valid: valid, Confidence: 1})
		return err
	})
}

func (f *fixture) quality(id string) models.QualityFlag {
	var q models.QualityFlag
	f.view(func(tx store.Tx) {
		r, err := tx.GetResponse(f.ctx, id)
		require.NoError(f.t, err)
		q = r.Quality
	})
	return q
}

func (f *fixture) route(target models.Target) []string {
	var ids []string
	f.view(func(tx store.Tx) {
		users, err := f.engine.validator.Route(f.ctx, tx, target)
		require.NoError(f.t, err)
		for _, u := range users {
			ids = append(ids, u.ChannelAddress)
		}
	})
	return ids
}

func TestRouteExcludesAuthorAndPriorReviewers(t *testing.T) {
	f, resp := reviewFixture(t)
	target := models.ResponseTarget(resp.ID)

	candidates := f.route(target)
	assert.ElementsMatch(t, []string{bob, carol, dave}, candidates)
	assert.NotContains(t, candidates, alice)

	require.NoError(t, f.record(bob, target, true))
	assert.ElementsMatch(t, []string{carol, dave}, f.route(target))
}

func TestSentenceTargetsNeedLinguists(t *testing.T) {
	f, _ := reviewFixture(t)
	target := models.SentenceTarget("S1")

	assert.Empty(t, f.route(target), "dave authored it and nobody else reviews")

	adminID := f.user(carol).ID
	f.seed(func(tx store.Tx) error { return tx.SetUserRole(f.ctx, adminID, models.RoleAdmin) })
	assert.Equal(t, []string{carol}, f.route(target))

	err := f.record(bob, target, true)
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorForbidden, se.Code)
	require.NoError(t, f.record(carol, target, true))
}

func TestSelfValidationRejected(t *testing.T) {
	f, resp := reviewFixture(t)
	err := f.record(alice, models.ResponseTarget(resp.ID), true)
	assert.ErrorIs(t, err, ErrSelfValidation)

	err = f.record(dave, models.SentenceTarget("S1"), true)
	assert.ErrorIs(t, err, ErrSelfValidation)
	assert.Equal(t, models.QualityUnreviewed, f.quality(resp.ID))
}

func TestTargetMustBeSet(t *testing.T) {
	f, _ := reviewFixture(t)
	err := f.record(bob, models.Target{}, true)
	assert.ErrorIs(t, err, ErrTargetConflict)
	assert.ErrorIs(t, err, models.ErrTargetConflict)

	err = f.store.Atomic(f.ctx, "raw", func(tx store.Tx) error {
		return tx.InsertValidation(f.ctx, &models.Validation{ID: "v", ValidatorID: "x"})
	})
	assert.ErrorIs(t, err, models.ErrTargetConflict)
}

func TestQualityAggregation(t *testing.T) {
	f, resp := reviewFixture(t)
	target := models.ResponseTarget(resp.ID)

	require.NoError(t, f.record(bob, target, true))
	assert.Equal(t, models.QualityGood, f.quality(resp.ID))

	require.NoError(t, f.record(carol, target, false))
	assert.Equal(t, models.QualityNeedsReview, f.quality(resp.ID), "tie")

	require.NoError(t, f.record(bob, target, true))
	assert.Equal(t, models.QualityGood, f.quality(resp.ID), "append-only: repeat verdicts count")

	require.NoError(t, f.record(dave, target, false))
	assert.Equal(t, models.QualityNeedsReview, f.quality(resp.ID), "linguist dissent")

	f.view(func(tx store.Tx) {
		all, err := tx.ListValidations(f.ctx, target)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestQualityFromCounts(t *testing.T) {
	assert.Equal(t, models.QualityUnreviewed, QualityFromCounts(0, 0))
	assert.Equal(t, models.QualityGood, QualityFromCounts(2, 1))
	assert.Equal(t, models.QualityNeedsReview, QualityFromCounts(1, 1))
	assert.Equal(t, models.QualityInvalid, QualityFromCounts(0, 2))
}

func TestReviewerConversation(t *testing.T) {
	f, resp := reviewFixture(t)
	target := models.ResponseTarget(resp.ID)
	require.Equal(t, models.StatusAwaitingAnswer, f.state(bob).Status)

	who, reply, err := f.engine.DispatchValidation(f.ctx, "P1", target)
	require.NoError(t, err)
	assert.Equal(t, bob, who.ChannelAddress, "a contributor mid-campaign can review")
	require.Len(t, reply.Messages, 1)
	assert.Contains(t, reply.Messages[0].Text, `"mama"`)
	st := f.state(bob)
	assert.Equal(t, models.StatusAwaitingValidation, st.Status)
	assert.Empty(t, st.QuestionID)

	r := f.text(bob, "b1", "maybe")
	assert.Equal(t, []string{"Please reply YES or NO."}, texts(r))

	r = f.text(bob, "b2", "Yes, sounds natural")
	assert.Equal(t, []string{"Thank you for your review.", "Question Q1"}, texts(r), "the interrupted question comes back")
	assert.Equal(t, models.StatusAwaitingAnswer, r.State)
	assert.Equal(t, models.QualityGood, f.quality(resp.ID))
	bobID := f.user(bob).ID
	f.view(func(tx store.Tx) {
		all, err := tx.ListValidations(f.ctx, target)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "sounds natural", all[0].Verdict.Comments)

		skips, err := tx.ListSkips(f.ctx, bobID, "P1")
		require.NoError(t, err)
		assert.Empty(t, skips, "interrupting a question is not a skip")
	})

	r = f.text(bob, "b3", "tata")
	assert.Equal(t, []string{"Thank you!", "Question Q2"}, texts(r))
}

func TestDispatchSkipsBusyReviewer(t *testing.T) {
	f, resp := reviewFixture(t)
	target := models.ResponseTarget(resp.ID)
	carolID := f.user(carol).ID

	_, err := f.engine.AssignValidation(f.ctx, f.user(bob).ID, "P1", target)
	require.NoError(t, err)
	_, err = f.engine.AssignValidation(f.ctx, f.user(bob).ID, "P1", target)
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorConflict, se.Code, "bob is judging already")

	who, _, err := f.engine.DispatchValidation(f.ctx, "P1", target)
	require.NoError(t, err)
	assert.Equal(t, carolID, who.ID)
}

func TestDispatchWithoutFreeReviewer(t *testing.T) {
	f, resp := reviewFixture(t)
	target := models.ResponseTarget(resp.ID)
	for _, addr := range []string{bob, carol, dave} {
		_, err := f.engine.AssignValidation(f.ctx, f.user(addr).ID, "P1", target)
		require.NoError(t, err)
	}
	_, _, err := f.engine.DispatchValidation(f.ctx, "P1", target)
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ErrorConflict, se.Code)
}

func TestReviewInterruptsFollowUp(t *testing.T) {
	f, resp := reviewFixtureWith(t, models.BotConfig{FollowUpProbability: 1})
	withTemplate(f, shortAnswerRules)
	r := f.text(bob, "b1", "mama")
	require.Equal(t, models.StatusAwaitingFollowUp, r.State)
	fuID := f.state(bob).FollowUpID

	_, err := f.engine.AssignValidation(f.ctx, f.user(bob).ID, "P1", models.ResponseTarget(resp.ID))
	require.NoError(t, err)
	assert.Equal(t, fuID, f.state(bob).FollowUpID, "follow-up is held")

	r = f.text(bob, "b2", "no")
	assert.Equal(t, []string{"Thank you for your review.", `Can you use "mama" in a full sentence?`}, texts(r))
	assert.Equal(t, models.StatusAwaitingFollowUp, r.State)

	r = f.text(bob, "b3", "mama anapika chakula")
	assert.Equal(t, []string{"Thank you!", "Question Q2"}, texts(r))
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		in      string
		ok      bool
		valid   bool
		comment string
	}{
		{"yes", true, true, ""},
		{"Y", true, true, ""},
		{"1", true, true, ""},
		{"ok.", true, true, ""},
		{"NO - wrong tone", true, false, "wrong tone"},
		{"no,wrong tone", true, false, "wrong tone"},
		{"invalid spelling", true, false, "spelling"},
		{"hapana", true, false, ""},
		{"perhaps", false, false, ""},
		{"", false, false, ""},
	}
	for _, tc := range cases {
		v, ok := ParseVerdict(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if ok {
			assert.Equal(t, tc.valid, v.Valid, tc.in)
			assert.Equal(t, tc.comment, v.Comments, tc.in)
		}
	}
}
