// Package storetest holds behaviour checks shared by every store.Store
// adapter. Adapter packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/store"
)

var base = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

// Run exercises stores returned by newStore, which must start empty.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Catalogue", func(t *testing.T) { testCatalogue(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("ConversationState", func(t *testing.T) { testConversationState(t, newStore(t)) })
	t.Run("ProcessedMessages", func(t *testing.T) { testProcessed(t, newStore(t)) })
	t.Run("Responses", func(t *testing.T) { testResponses(t, newStore(t)) })
	t.Run("FollowUps", func(t *testing.T) { testFollowUps(t, newStore(t)) })
	t.Run("Validations", func(t *testing.T) { testValidations(t, newStore(t)) })
	t.Run("Progress", func(t *testing.T) { testProgress(t, newStore(t)) })
}

func atomic(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Atomic(ctx, "test", func(tx store.Tx) error { fn(ctx, tx); return nil }))
}

// seedProject stores user u1 (community member), linguist u2, project p1 and
// campaign c1 with one question q1.
func seedProject(t *testing.T, s store.Store) {
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.InsertUser(ctx, &models.User{ID: "u1", ChannelAddress: "+1", Role: models.RoleCommunityMember, CreatedAt: base}))
		require.NoError(t, tx.InsertUser(ctx, &models.User{ID: "u2", ChannelAddress: "+2", Role: models.RoleLinguist, CreatedAt: base}))
		require.NoError(t, tx.InsertProject(ctx, &models.Project{
			ID: "p1", Title: "Tunen", InterfaceLanguage: "fr", TargetLanguage: "tvu", CreatedBy: "u2",
			Bot:       models.BotConfig{MaxRetryAttempts: 2, FollowUpProbability: 0.25, Greeting: "Bonjour", PreferVoice: true},
			CreatedAt: base,
		}))
		require.NoError(t, tx.InsertCampaign(ctx, &models.Campaign{ID: "c1", ProjectID: "p1", Name: "Kinship", Position: 1, Active: true, CreatedAt: base}))
		require.NoError(t, tx.InsertQuestion(ctx, &models.Question{ID: "q1", ProjectID: "p1", Text: "Mother?", Expected: models.ResponseEither, CreatedAt: base}))
		two := 2
		require.NoError(t, tx.LinkQuestion(ctx, models.CampaignQuestion{CampaignID: "c1", QuestionID: "q1", Position: &two}))
	})
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Atomic(ctx, "k", func(tx store.Tx) error {
		require.NoError(t, tx.InsertUser(ctx, &models.User{ID: "u1", ChannelAddress: "+1", Role: models.RoleAdmin, CreatedAt: base}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetUser(ctx, "u1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func testUsers(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		u, err := tx.GetUserByChannel(ctx, "+2")
		require.NoError(t, err)
		assert.Equal(t, "u2", u.ID)
		assert.Equal(t, models.RoleLinguist, u.Role)
		assert.True(t, base.Equal(u.CreatedAt))

		assert.ErrorIs(t, tx.InsertUser(ctx, &models.User{ID: "u3", ChannelAddress: "+1", Role: models.RoleAdmin}), store.ErrConflict)
		assert.ErrorIs(t, tx.SetUserRole(ctx, "nobody", models.RoleAdmin), store.ErrNotFound)
		require.NoError(t, tx.SetUserRole(ctx, "u1", models.RoleAdmin))
		u, err = tx.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.RoleAdmin, u.Role)

		require.NoError(t, tx.AddMember(ctx, models.ProjectMember{ProjectID: "p1", UserID: "u2", JoinedAt: base}))
		require.NoError(t, tx.AddMember(ctx, models.ProjectMember{ProjectID: "p1", UserID: "u1", JoinedAt: base}))
		require.NoError(t, tx.AddMember(ctx, models.ProjectMember{ProjectID: "p1", UserID: "u1", JoinedAt: base}))
		members, err := tx.ListMembers(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, members, 2)
		assert.Equal(t, "u1", members[0].ID)

		p, err := tx.GetProject(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, models.BotConfig{MaxRetryAttempts: 2, FollowUpProbability: 0.25, Greeting: "Bonjour", PreferVoice: true}, p.Bot)
		assert.Equal(t, "tvu", p.TargetLanguage)
	})
}

func testCatalogue(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.InsertCampaign(ctx, &models.Campaign{ID: "c0", ProjectID: "p1", Name: "Weather", Position: 0, CreatedAt: base}))
		cs, err := tx.ListCampaigns(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, cs, 2)
		assert.Equal(t, "c0", cs[0].ID)
		assert.False(t, cs[0].Active)
		assert.True(t, cs[1].Active)

		require.NoError(t, tx.InsertQuestion(ctx, &models.Question{ID: "q2", ProjectID: "p1", Text: "Father?", CreatedAt: base}))
		require.NoError(t, tx.LinkQuestion(ctx, models.CampaignQuestion{CampaignID: "c1", QuestionID: "q2"}))
		assert.ErrorIs(t, tx.LinkQuestion(ctx, models.CampaignQuestion{CampaignID: "c1", QuestionID: "q2"}), store.ErrConflict)
		links, err := tx.ListCampaignQuestions(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, links, 2)
		byID := map[string]*int{}
		for _, l := range links {
			byID[l.QuestionID] = l.Position
		}
		require.NotNil(t, byID["q1"])
		assert.Equal(t, 2, *byID["q1"])
		assert.Nil(t, byID["q2"])

		q, err := tx.GetQuestion(ctx, "q1")
		require.NoError(t, err)
		assert.Equal(t, models.ResponseEither, q.Expected)
		assert.ErrorIs(t, tx.InsertQuestion(ctx, q), store.ErrConflict)

		rules := []models.FollowUpRule{{Name: "short", When: "words < 3", Prompt: "More?"}}
		require.NoError(t, tx.InsertTemplate(ctx, &models.QuestionTemplate{ID: "t1", ProjectID: "p1", Name: "kin", FollowUpRules: rules}))
		tpl, err := tx.GetTemplate(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, rules, tpl.FollowUpRules)

		require.NoError(t, tx.InsertDomain(ctx, &models.Domain{ID: "d2", ProjectID: "p1", Name: "Siblings", ParentID: "d1"}))
		require.NoError(t, tx.InsertDomain(ctx, &models.Domain{ID: "d1", ProjectID: "p1", Name: "Kinship"}))
		ds, err := tx.ListDomains(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, ds, 2)
		assert.Equal(t, "d1", ds[0].ID)
		assert.Equal(t, "d1", ds[1].ParentID)

		require.NoError(t, tx.InsertTag(ctx, &models.Tag{ID: "g1", ProjectID: "p1", Name: "core"}))
		assert.ErrorIs(t, tx.InsertTag(ctx, &models.Tag{ID: "g1", ProjectID: "p1", Name: "core"}), store.ErrConflict)
	})
}

func testSessions(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		s1 := &models.Session{ID: "s1", UserID: "u1", ProjectID: "p1", Status: models.SessionActive, StartedAt: base, UpdatedAt: base}
		require.NoError(t, tx.InsertSession(ctx, s1))
		err := tx.InsertSession(ctx, &models.Session{ID: "s2", UserID: "u1", ProjectID: "p1", Status: models.SessionActive, StartedAt: base, UpdatedAt: base})
		assert.ErrorIs(t, err, store.ErrConflict)

		s1.Status = models.SessionPaused
		s1.UpdatedAt = base.Add(time.Minute)
		require.NoError(t, tx.UpdateSession(ctx, s1))
		_, err = tx.GetActiveSession(ctx, "u1", "p1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, tx.InsertSession(ctx, &models.Session{ID: "s2", UserID: "u1", ProjectID: "p1", CampaignID: "c1", Status: models.SessionActive, StartedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour)}))
		active, err := tx.GetActiveSession(ctx, "u1", "p1")
		require.NoError(t, err)
		assert.Equal(t, "s2", active.ID)
		assert.Equal(t, "c1", active.CampaignID)

		s1.Status = models.SessionActive
		assert.ErrorIs(t, tx.UpdateSession(ctx, s1), store.ErrConflict)
		assert.ErrorIs(t, tx.UpdateSession(ctx, &models.Session{ID: "nope", Status: models.SessionPaused}), store.ErrNotFound)

		paused, err := tx.GetLatestSession(ctx, "u1", "p1", models.SessionPaused)
		require.NoError(t, err)
		assert.Equal(t, "s1", paused.ID)

		all, err := tx.ListSessions(ctx, "u1", "p1")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "s1", all[0].ID)
	})
}

func testConversationState(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		_, err := tx.GetConversationState(ctx, "u1", "p1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		st := &models.ConversationState{
			UserID: "u1", ProjectID: "p1", SessionID: "s1", CampaignID: "c1",
			Status: models.StatusAwaitingValidation, Target: models.SentenceTarget("ls1"),
			RetryCount: 2, LastMessageSent: "Review?", UpdatedAt: base,
		}
		require.NoError(t, tx.PutConversationState(ctx, st))
		st.Status = models.StatusAwaitingAnswer
		st.Target = models.Target{}
		st.QuestionID = "q1"
		require.NoError(t, tx.PutConversationState(ctx, st))
		require.NoError(t, tx.PutConversationState(ctx, &models.ConversationState{UserID: "u2", ProjectID: "p1", Status: models.StatusIdle, UpdatedAt: base}))

		got, err := tx.GetConversationState(ctx, "u1", "p1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusAwaitingAnswer, got.Status)
		assert.Equal(t, "q1", got.QuestionID)
		assert.True(t, got.Target.IsZero())
		assert.Equal(t, 2, got.RetryCount)
		assert.True(t, base.Equal(got.UpdatedAt))

		stale, err := tx.ListStaleConversations(ctx, base.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, stale, 1, "idle conversations are never stale")
		assert.Equal(t, "u1", stale[0].UserID)

		stale, err = tx.ListStaleConversations(ctx, base)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})
}

func testProcessed(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		m := models.ProcessedMessage{UserID: "u1", ProjectID: "p1", MessageID: "wamid.1", ProcessedAt: base}
		require.NoError(t, tx.RecordProcessedMessage(ctx, m))
		assert.ErrorIs(t, tx.RecordProcessedMessage(ctx, m), store.ErrConflict)
		seen, err := tx.MessageProcessed(ctx, "u1", "p1", "wamid.1")
		require.NoError(t, err)
		assert.True(t, seen)
		seen, err = tx.MessageProcessed(ctx, "u2", "p1", "wamid.1")
		require.NoError(t, err)
		assert.False(t, seen)

		require.NoError(t, tx.RecordProcessedMessage(ctx, models.ProcessedMessage{UserID: "u1", ProjectID: "p1", MessageID: "wamid.2", ProcessedAt: base.Add(time.Hour)}))
		n, err := tx.PruneProcessedMessages(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		seen, err = tx.MessageProcessed(ctx, "u1", "p1", "wamid.1")
		require.NoError(t, err)
		assert.False(t, seen)
	})
}

func testResponses(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		r1 := &models.Response{ID: "r1", UserID: "u1", ProjectID: "p1", CampaignID: "c1", QuestionID: "q1", MessageID: "m1", Type: models.ModalityVoice, MediaRef: "media/a.ogg", Quality: models.QualityUnreviewed, CreatedAt: base}
		require.NoError(t, tx.InsertResponse(ctx, r1))
		dup := *r1
		dup.ID = "r2"
		assert.ErrorIs(t, tx.InsertResponse(ctx, &dup), store.ErrConflict)
		r2 := &models.Response{ID: "r2", UserID: "u1", ProjectID: "p1", CampaignID: "c1", QuestionID: "q1", MessageID: "m2", Type: models.ModalityText, Text: "mama", Quality: models.QualityUnreviewed, CreatedAt: base.Add(time.Second)}
		require.NoError(t, tx.InsertResponse(ctx, r2))

		byMedia, err := tx.GetResponseByMedia(ctx, "media/a.ogg")
		require.NoError(t, err)
		assert.Equal(t, "r1", byMedia.ID)
		_, err = tx.GetResponseByMedia(ctx, "")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, tx.SetTranscription(ctx, "r1", "mama"))
		require.NoError(t, tx.SetResponseQuality(ctx, "r1", models.QualityGood))
		assert.ErrorIs(t, tx.SetTranscription(ctx, "nope", "x"), store.ErrNotFound)
		got, err := tx.GetResponse(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "mama", got.Transcription)
		assert.Equal(t, models.QualityGood, got.Quality)

		list, err := tx.ListResponses(ctx, "u1", "p1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "r1", list[0].ID)
		all, err := tx.ListProjectResponses(ctx, "p1")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, tx.InsertSkip(ctx, &models.QuestionSkip{ID: "k1", UserID: "u1", ProjectID: "p1", CampaignID: "c1", QuestionID: "q1", Reason: "expired", CreatedAt: base}))
		skips, err := tx.ListSkips(ctx, "u1", "p1")
		require.NoError(t, err)
		require.Len(t, skips, 1)
		assert.Equal(t, "expired", skips[0].Reason)
	})
}

func testFollowUps(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.InsertResponse(ctx, &models.Response{ID: "r1", UserID: "u1", ProjectID: "p1", CampaignID: "c1", QuestionID: "q1", MessageID: "m1", Type: models.ModalityText, Text: "x", Quality: models.QualityUnreviewed, CreatedAt: base}))
		fu := &models.FollowUpQuestion{ID: "f1", ParentResponseID: "r1", UserID: "u1", ProjectID: "p1", Rule: "short", Text: "More?", Status: models.FollowUpPending, CreatedAt: base}
		require.NoError(t, tx.InsertFollowUp(ctx, fu))
		again := *fu
		again.ID = "f2"
		assert.ErrorIs(t, tx.InsertFollowUp(ctx, &again), store.ErrConflict)

		byParent, err := tx.GetFollowUpByParent(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "f1", byParent.ID)

		ans := &models.FollowUpResponse{ID: "a1", FollowUpID: "f1", MessageID: "m2", Type: models.ModalityText, Text: "more", CreatedAt: base}
		require.NoError(t, tx.InsertFollowUpResponse(ctx, ans))
		ans2 := *ans
		ans2.ID = "a2"
		assert.ErrorIs(t, tx.InsertFollowUpResponse(ctx, &ans2), store.ErrConflict)

		require.NoError(t, tx.SetFollowUpStatus(ctx, "f1", models.FollowUpAnswered))
		got, err := tx.GetFollowUp(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, models.FollowUpAnswered, got.Status)
		assert.ErrorIs(t, tx.SetFollowUpStatus(ctx, "nope", models.FollowUpAbandoned), store.ErrNotFound)
	})
}

func testValidations(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		require.NoError(t, tx.InsertResponse(ctx, &models.Response{ID: "r1", UserID: "u1", ProjectID: "p1", CampaignID: "c1", QuestionID: "q1", MessageID: "m1", Type: models.ModalityText, Text: "x", Quality: models.QualityUnreviewed, CreatedAt: base}))
		require.NoError(t, tx.InsertSentence(ctx, &models.LinguistSentence{ID: "ls1", ProjectID: "p1", AuthorID: "u2", Text: "Mama", Language: "tvu", CreatedAt: base}))
		sentence, err := tx.GetSentence(ctx, "ls1")
		require.NoError(t, err)
		assert.Equal(t, "u2", sentence.AuthorID)

		for i, v := range []*models.Validation{
			{ID: "v1", Target: models.ResponseTarget("r1"), ValidatorID: "u2", Verdict: models.Verdict{Valid: true, Confidence: 0.5, Comments: "ok"}},
			{ID: "v2", Target: models.ResponseTarget("r1"), ValidatorID: "u2", Verdict: models.Verdict{Valid: false, Confidence: 1}},
			{ID: "v3", Target: models.SentenceTarget("ls1"), ValidatorID: "u1", Verdict: models.Verdict{Valid: true, Confidence: 1}},
		} {
			v.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, tx.InsertValidation(ctx, v))
		}
		err = tx.InsertValidation(ctx, &models.Validation{ID: "v4", ValidatorID: "u1", CreatedAt: base})
		assert.ErrorIs(t, err, models.ErrTargetConflict)

		rs, err := tx.ListValidations(ctx, models.ResponseTarget("r1"))
		require.NoError(t, err)
		require.Len(t, rs, 2)
		assert.Equal(t, "v1", rs[0].ID)
		assert.Equal(t, models.Verdict{Valid: true, Confidence: 0.5, Comments: "ok"}, rs[0].Verdict)
		ss, err := tx.ListValidations(ctx, models.SentenceTarget("ls1"))
		require.NoError(t, err)
		require.Len(t, ss, 1)
		assert.Equal(t, models.SentenceTarget("ls1"), ss[0].Target)
	})
}

func testProgress(t *testing.T, s store.Store) {
	seedProject(t, s)
	atomic(t, s, func(ctx context.Context, tx store.Tx) {
		_, err := tx.GetProgress(ctx, "u1", "p1", "c1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		p := &models.UserProgress{UserID: "u1", ProjectID: "p1", CampaignID: "c1", Answered: 1, Total: 1, UpdatedAt: base}
		require.NoError(t, tx.PutProgress(ctx, p))
		p.Skipped = 1
		require.NoError(t, tx.PutProgress(ctx, p))
		require.NoError(t, tx.PutProgress(ctx, &models.UserProgress{UserID: "u2", ProjectID: "p1", CampaignID: "c1", UpdatedAt: base}))

		got, err := tx.GetProgress(ctx, "u1", "p1", "c1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Answered)
		assert.Equal(t, 1, got.Skipped)
		rows, err := tx.ListProgress(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "u1", rows[0].UserID)
	})
}
