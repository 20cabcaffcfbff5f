// Package api is the HTTP surface: the transport webhook, transcription
// callbacks, validation dispatch and read-only reporting.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/media"
	"github.com/soaringjerry/Elicit/internal/metrics"
	"github.com/soaringjerry/Elicit/internal/middleware"
	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/services"
	"github.com/soaringjerry/Elicit/internal/utils"
)

const maxJSONBody = 1 << 20

// Conversations is the engine as the webhook sees it.
type Conversations interface {
	HandleInbound(ctx context.Context, msg services.InboundMessage) (*services.Reply, error)
	OnTranscribed(ctx context.Context, mediaRef, text string) error
	DispatchValidation(ctx context.Context, projectID string, target models.Target) (*models.User, *services.Reply, error)
	PauseSession(ctx context.Context, userID, projectID string) error
}

type RoleSetter interface {
	SetRole(ctx context.Context, userID string, role models.Role) error
}

type Reports interface {
	Progress(ctx context.Context, projectID string) ([]services.ProgressRow, error)
	Quality(ctx context.Context, projectID string) (*services.QualitySummary, error)
	Validations(ctx context.Context, target models.Target) ([]services.ValidationRow, error)
	ExportResponses(ctx context.Context, projectID string, format services.ExportFormat) ([]byte, error)
}

type Deps struct {
	Engine  Conversations
	Roles   RoleSetter
	Reports Reports
	Media   media.Store // optional; /api/media answers 404 without it
	Auth    *middleware.Auth
	Metrics *metrics.Recorder
	// Ping checks the store for /health.
	Ping func(ctx context.Context) error
	Log  *zap.Logger
	// DefaultLocale answers /health when the caller names no language.
	DefaultLocale string
	Commit        string
	BuildTime     string
}

type Router struct {
	Deps
	log *zap.Logger
}

func NewRouter(d Deps) *Router {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	if d.Auth == nil {
		d.Auth = middleware.NewAuth("")
	}
	return &Router{Deps: d, log: log.With(zap.String("module", "api"))}
}

func (rt *Router) Register(mux *http.ServeMux) {
	gateway := middleware.RequireRole(middleware.RoleGateway)
	reviewer := middleware.RequireRole(string(models.RoleLinguist))
	admin := middleware.RequireRole(string(models.RoleAdmin))
	handle := func(pattern string, guard func(http.Handler) http.Handler, h http.HandlerFunc) {
		mux.Handle(pattern, rt.Auth.WithAuth(guard(h)))
	}

	handle("POST /api/inbound", gateway, rt.handleInbound)
	handle("POST /api/media", gateway, rt.handleMedia)
	handle("POST /api/transcriptions", gateway, rt.handleTranscription)
	handle("POST /api/sessions/pause", gateway, rt.handlePause)
	handle("POST /api/validations/dispatch", reviewer, rt.handleDispatch)
	handle("GET /api/validations", reviewer, rt.handleValidations)
	handle("GET /api/projects/{id}/progress", reviewer, rt.handleProgress)
	handle("GET /api/projects/{id}/quality", reviewer, rt.handleQuality)
	handle("GET /api/projects/{id}/responses.csv", reviewer, rt.handleExport)
	handle("POST /api/users/{id}/role", admin, rt.handleRole)

	mux.Handle("GET /health", middleware.Locale(rt.DefaultLocale)(http.HandlerFunc(rt.handleHealth)))
	mux.Handle("GET /metrics", rt.Metrics.Handler())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type inboundResponse struct {
	Replies   []services.Outbound       `json:"replies"`
	Duplicate bool                      `json:"duplicate,omitempty"`
	State     models.ConversationStatus `json:"state,omitempty"`
}

// POST /api/inbound
func (rt *Router) handleInbound(w http.ResponseWriter, r *http.Request) {
	var msg services.InboundMessage
	if !decode(w, r, &msg) {
		return
	}
	reply, err := rt.Engine.HandleInbound(r.Context(), msg)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	out := inboundResponse{Replies: reply.Messages, Duplicate: reply.Duplicate, State: reply.State}
	if out.Replies == nil {
		out.Replies = []services.Outbound{}
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/media with the raw payload as body
func (rt *Router) handleMedia(w http.ResponseWriter, r *http.Request) {
	if rt.Media == nil {
		http.NotFound(w, r)
		return
	}
	ref, err := rt.Media.Store(r.Context(), r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"media_ref": ref})
}

// POST /api/transcriptions {media_ref, text}
func (rt *Router) handleTranscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MediaRef string `json:"media_ref"`
		Text     string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := rt.Engine.OnTranscribed(r.Context(), req.MediaRef, req.Text); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// POST /api/sessions/pause {user_id, project_id}
func (rt *Router) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		ProjectID string `json:"project_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := rt.Engine.PauseSession(r.Context(), req.UserID, req.ProjectID); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/validations/dispatch {project_id, target_kind, target_id}
func (rt *Router) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID  string `json:"project_id"`
		TargetKind string `json:"target_kind"`
		TargetID   string `json:"target_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	target, err := models.ParseTarget(req.TargetKind, req.TargetID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	reviewer, reply, err := rt.Engine.DispatchValidation(r.Context(), req.ProjectID, target)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviewer_id": reviewer.ID, "replies": reply.Messages})
}

// GET /api/validations?target_kind=&target_id=
func (rt *Router) handleValidations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target, err := models.ParseTarget(q.Get("target_kind"), q.Get("target_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	rows, err := rt.Reports.Validations(r.Context(), target)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []services.ValidationRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"validations": rows})
}

// GET /api/projects/{id}/progress
func (rt *Router) handleProgress(w http.ResponseWriter, r *http.Request) {
	rows, err := rt.Reports.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []services.ProgressRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": r.PathValue("id"), "progress": rows})
}

// GET /api/projects/{id}/quality
func (rt *Router) handleQuality(w http.ResponseWriter, r *http.Request) {
	sum, err := rt.Reports.Quality(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/projects/{id}/responses.csv?format=long|wide
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := services.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	body, err := rt.Reports.ExportResponses(r.Context(), id, format)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"-"+string(format)+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// POST /api/users/{id}/role {role}
func (rt *Router) handleRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role models.Role `json:"role"`
	}
	if !decode(w, r, &req) {
		return
	}
	role := models.Role(strings.ToLower(strings.TrimSpace(string(req.Role))))
	if err := rt.Roles.SetRole(r.Context(), r.PathValue("id"), role); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /health
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	locale := middleware.LocaleFromContext(r.Context())
	body := map[string]any{
		"ok":         true,
		"name":       "Elicit",
		"locale":     locale,
		"msg":        utils.T(locale, "health.ok"),
		"commit":     rt.Commit,
		"build_time": rt.BuildTime,
	}
	status := http.StatusOK
	if rt.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.Ping(ctx); err != nil {
			rt.log.Warn("health check failed", zap.Error(err))
			body["ok"] = false
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}
