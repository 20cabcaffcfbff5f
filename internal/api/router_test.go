package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Elicit/internal/media"
	"github.com/soaringjerry/Elicit/internal/metrics"
	"github.com/soaringjerry/Elicit/internal/middleware"
	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/services"
	"github.com/soaringjerry/Elicit/internal/store"
	"github.com/soaringjerry/Elicit/internal/store/memstore"
)

const (
	alice = "+255700000001"
	bob   = "+255700000002"
)

type harness struct {
	t     *testing.T
	store *memstore.Store
	auth  *middleware.Auth
	srv   *httptest.Server
	ping  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, store: memstore.New(), auth: middleware.NewAuth("test-secret")}
	ctx := context.Background()
	require.NoError(t, h.store.Atomic(ctx, "", func(tx store.Tx) error {
		require.NoError(t, tx.InsertProject(ctx, &models.Project{ID: "P1", Title: "Tunen", InterfaceLanguage: "en", CreatedAt: time.Now()}))
		require.NoError(t, tx.InsertCampaign(ctx, &models.Campaign{ID: "C1", ProjectID: "P1", Name: "Kinship", Position: 1, Active: true, CreatedAt: time.Now()}))
		require.NoError(t, tx.InsertQuestion(ctx, &models.Question{ID: "Q1", ProjectID: "P1", Text: "How do you say mother?", CreatedAt: time.Now()}))
		return tx.LinkQuestion(ctx, models.CampaignQuestion{CampaignID: "C1", QuestionID: "Q1"})
	}))
	engine := services.NewEngine(services.EngineDeps{Store: h.store, Rand: func() float64 { return 1 }})
	t.Cleanup(engine.Close)
	dir, err := media.NewDirStore(t.TempDir(), 0)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewRouter(Deps{
		Engine:  engine,
		Roles:   services.NewStoreIdentity(h.store),
		Reports: services.NewReporter(h.store),
		Media:   dir,
		Auth:    h.auth,
		Metrics: metrics.New(),
		Ping:    func(context.Context) error { return h.ping },
	}).Register(mux)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(role string) string {
	tok, err := h.auth.SignToken("caller", role, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path, role string, body any, out any) int {
	h.t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil && resp.ContentLength != 0 {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) inbound(addr, id, text string) inboundResponse {
	h.t.Helper()
	var out inboundResponse
	code := h.do(http.MethodPost, "/api/inbound", middleware.RoleGateway, services.InboundMessage{
		ProjectID: "P1", ChannelAddress: addr, MessageID: id, Modality: models.ModalityText, Payload: text,
	}, &out)
	require.Equal(h.t, http.StatusOK, code)
	return out
}

func TestInboundRequiresGateway(t *testing.T) {
	h := newHarness(t)
	msg := services.InboundMessage{ProjectID: "P1", ChannelAddress: alice, MessageID: "m1", Payload: "hi"}
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/api/inbound", "", msg, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/api/inbound", "community_member", msg, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/inbound", middleware.RoleGateway, `{"payload":`, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/inbound", middleware.RoleGateway, `{"surprise":1}`, nil))
}

func TestInboundConversation(t *testing.T) {
	h := newHarness(t)
	first := h.inbound(alice, "m1", "hello")
	require.NotEmpty(t, first.Replies)
	assert.Equal(t, "How do you say mother?", first.Replies[len(first.Replies)-1].Text)
	assert.Equal(t, alice, first.Replies[0].ChannelAddress)
	assert.Equal(t, models.StatusAwaitingAnswer, first.State)

	done := h.inbound(alice, "m2", "mama")
	assert.Equal(t, models.StatusCompleted, done.State)

	again := h.inbound(alice, "m2", "mama")
	assert.True(t, again.Duplicate)
	assert.NotNil(t, again.Replies)

	var body map[string]any
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/inbound", middleware.RoleGateway,
		services.InboundMessage{ProjectID: "P1", ChannelAddress: " ", MessageID: "m3"}, &body))
	assert.Equal(t, "invalid", body["code"])
}

func TestReporting(t *testing.T) {
	h := newHarness(t)
	h.inbound(alice, "m1", "hello")
	h.inbound(alice, "m2", "mama")

	var progress struct {
		Progress []services.ProgressRow `json:"progress"`
	}
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/api/projects/P1/progress", "community_member", nil, nil))
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/projects/P1/progress", "linguist", nil, &progress))
	require.Len(t, progress.Progress, 1)
	assert.Equal(t, 1, progress.Progress[0].Answered)

	var quality services.QualitySummary
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/projects/P1/quality", "admin", nil, &quality))
	assert.Equal(t, 1, quality.TotalResponses)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/projects/nope/progress", "linguist", nil, nil))

	var body errorBody
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/validations?target_kind=poem&target_id=x", "linguist", nil, &body))
	assert.Equal(t, "target_conflict", body.Code)
}

func TestExportResponses(t *testing.T) {
	h := newHarness(t)
	h.inbound(alice, "m1", "hello")
	h.inbound(alice, "m2", "mama")

	get := func(path, role string) (*http.Response, string) {
		req, err := http.NewRequest(http.MethodGet, h.srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+h.token(role))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		return resp, buf.String()
	}

	resp, body := get("/api/projects/P1/responses.csv?format=wide", "linguist")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename="P1-wide.csv"`)
	assert.True(t, strings.HasPrefix(body, "user_id,Q1\n"))
	assert.Contains(t, body, ",mama\n")

	resp, body = get("/api/projects/P1/responses.csv", "linguist")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "response_id,user_id,"))

	resp, _ = get("/api/projects/P1/responses.csv?format=xlsx", "linguist")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get("/api/projects/P1/responses.csv", "community_member")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDispatchAndReview(t *testing.T) {
	h := newHarness(t)
	h.inbound(alice, "a1", "hello")
	h.inbound(alice, "a2", "mama")

	var responses []*models.Response
	require.NoError(t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		responses, err = tx.ListProjectResponses(context.Background(), "P1")
		return err
	}))
	require.Len(t, responses, 1)
	req := map[string]string{"project_id": "P1", "target_kind": "response", "target_id": responses[0].ID}

	// nobody but the author yet
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/validations/dispatch", "linguist", req, nil))

	h.inbound(bob, "b1", "hello")
	h.inbound(bob, "b2", "baba")

	var out struct {
		ReviewerID string              `json:"reviewer_id"`
		Replies    []services.Outbound `json:"replies"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/validations/dispatch", "linguist", req, &out))
	require.NotEmpty(t, out.Replies)
	assert.Equal(t, bob, out.Replies[0].ChannelAddress)
	assert.Contains(t, out.Replies[0].Text, "mama")

	verdict := h.inbound(bob, "b3", "yes")
	assert.Equal(t, "Thank you for your review.", verdict.Replies[0].Text)

	var vals struct {
		Validations []services.ValidationRow `json:"validations"`
	}
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/validations?target_kind=response&target_id="+responses[0].ID, "linguist", nil, &vals))
	require.Len(t, vals.Validations, 1)
	assert.True(t, vals.Validations[0].Valid)
	assert.Equal(t, out.ReviewerID, vals.Validations[0].ValidatorID)
}

func TestRoleChange(t *testing.T) {
	h := newHarness(t)
	h.inbound(bob, "b1", "hello")
	u := h.user(bob)

	path := "/api/users/" + u.ID + "/role"
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, path, "linguist", map[string]string{"role": "admin"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, path, "admin", map[string]string{"role": "chief"}, nil))
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/users/ghost/role", "admin", map[string]string{"role": "linguist"}, nil))
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, path, "admin", map[string]string{"role": " Linguist "}, nil))
	assert.Equal(t, models.RoleLinguist, h.user(bob).Role)
}

func (h *harness) user(addr string) *models.User {
	var u *models.User
	require.NoError(h.t, h.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		u, err = tx.GetUserByChannel(context.Background(), addr)
		return err
	}))
	return u
}

func TestMediaAndTranscription(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/media", strings.NewReader("OggS"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "audio/ogg")
	req.Header.Set("Authorization", "Bearer "+h.token(middleware.RoleGateway))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stored map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	assert.NotEmpty(t, stored["media_ref"])

	// no response references the upload yet
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/transcriptions", middleware.RoleGateway,
		map[string]string{"media_ref": stored["media_ref"], "text": "mama"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/transcriptions", middleware.RoleGateway,
		map[string]string{"media_ref": "", "text": "mama"}, nil))
}

func TestPause(t *testing.T) {
	h := newHarness(t)
	h.inbound(alice, "m1", "hello")
	u := h.user(alice)
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/api/sessions/pause", middleware.RoleGateway,
		map[string]string{"user_id": u.ID, "project_id": "P1"}, nil))
	require.NoError(t, h.store.View(context.Background(), func(tx store.Tx) error {
		_, err := tx.GetActiveSession(context.Background(), u.ID, "P1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	var body map[string]any
	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "sw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sawa", body["msg"])

	h.ping = errors.New("db down")
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/health", "", nil, nil))

	resp, err = http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWriteErrorStatuses(t *testing.T) {
	rt := NewRouter(Deps{})
	cases := []struct {
		err  error
		want int
	}{
		{services.NewInvalidError("x"), http.StatusBadRequest},
		{services.NewForbiddenError("x"), http.StatusForbidden},
		{services.NewNotFoundError("x"), http.StatusNotFound},
		{services.NewConflictError("x"), http.StatusConflict},
		{services.ErrRetryExhausted, http.StatusUnprocessableEntity},
		{services.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{services.NewInvariantError("x"), http.StatusInternalServerError},
		{models.ErrTargetConflict, http.StatusBadRequest},
		{media.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{errors.New("secret detail"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rr := httptest.NewRecorder()
		rt.writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), c.err)
		assert.Equal(t, c.want, rr.Code, c.err.Error())
		assert.NotContains(t, rr.Body.String(), "secret detail")
	}
}
