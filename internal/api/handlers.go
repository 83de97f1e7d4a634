package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gwi.com/report-studio/internal/auth"
	"gwi.com/report-studio/internal/core"
	"gwi.com/report-studio/internal/render"
	"gwi.com/report-studio/internal/report"
	"gwi.com/report-studio/internal/store"
)

type contextKey string

const subjectKey contextKey = "subject"

// Subject returns the token subject of an authenticated request.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

type APIHandler struct {
	service  *core.ReportService
	renderer *render.Renderer
}

func NewAPIHandler(rs *core.ReportService, r *render.Renderer) *APIHandler {
	return &APIHandler{service: rs, renderer: r}
}

// JWTAuthMiddleware requires a bearer token when a JWT secret is
// configured and passes every request through otherwise.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		subject, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeHTML(w http.ResponseWriter, res render.Result) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(render.HTML(res)))
}

func wantsHTML(r *http.Request) bool {
	return r.URL.Query().Get("format") == "html"
}

// writeServiceError maps service errors to status codes. Unexpected errors
// are logged and reported with a generic message.
// requester names the caller in logs.
func requester(r *http.Request) string {
	if s := Subject(r.Context()); s != "" {
		return s
	}
	return "anonymous"
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Report not found", http.StatusNotFound)
	case errors.Is(err, core.ErrSessionNotFound):
		http.Error(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, core.ErrNoQueries), errors.Is(err, core.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, core.ErrSuperseded):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Printf("Error trying to %s for %s: %v", action, requester(r), err)
		http.Error(w, "Failed to "+action, http.StatusInternalServerError)
	}
}

func reportIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "reportID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid report id")
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Saved reports ---

func (h *APIHandler) ListReportsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListReports(r.Context()))
}

func (h *APIHandler) GetReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := reportIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	saved, err := h.service.GetReport(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "get report")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type UpdateReportRequest struct {
	Title   string         `json:"title"`
	Message report.Message `json:"message"`
}

func (h *APIHandler) UpdateReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := reportIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req UpdateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}
	if err := h.service.UpdateReport(r.Context(), id, req.Title, req.Message); err != nil {
		writeServiceError(w, r, err, "update report")
		return
	}
	saved, err := h.service.GetReport(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "get report")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *APIHandler) DeleteReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := reportIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.service.DeleteReport(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "delete report")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) RenderReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := reportIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := h.service.ViewReport(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err, "render report")
		return
	}
	if wantsHTML(r) {
		writeHTML(w, view.Render)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type RunRequest struct {
	Params map[string]any `json:"params"`
}

func (h *APIHandler) RunReportHandler(w http.ResponseWriter, r *http.Request) {
	id, err := reportIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.service.RunReport(r.Context(), id, req.Params)
	if err != nil {
		writeServiceError(w, r, err, "run report")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Editor sessions ---

type CreateSessionRequest struct {
	ReportID *int64 `json:"report_id,omitempty"`
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := h.service.NewSession(r.Context(), req.ReportID)
	if err != nil {
		writeServiceError(w, r, err, "create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, r, err, "get session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

// PostMessageHandler runs a chat turn. Clients accepting text/event-stream
// receive "status" events while tools run and a final "reply" event.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}

	flusher, canStream := w.(http.Flusher)
	if !canStream || !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		res, err := h.service.PostMessage(r.Context(), sessionID, req.Content, nil)
		if err != nil {
			writeServiceError(w, r, err, "post message")
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	if _, err := h.service.Session(sessionID); err != nil {
		writeServiceError(w, r, err, "post message")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) {
		payload, err := json.Marshal(v)
		if err != nil {
			log.Printf("Error encoding %s event: %v", event, err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	res, err := h.service.PostMessage(r.Context(), sessionID, req.Content, func(invs []report.ToolInvocation) {
		send("status", map[string]any{"toolInvocations": invs})
	})
	if err != nil {
		log.Printf("Error posting message to session %s: %v", sessionID, err)
		send("error", map[string]string{"error": err.Error()})
		return
	}
	send("reply", res)
}

type UpdateDraftRequest struct {
	Report *report.Artifact `json:"report"`
}

func (h *APIHandler) UpdateDraftHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Report == nil {
		http.Error(w, "Report is required", http.StatusBadRequest)
		return
	}
	sess, err := h.service.UpdateDraft(chi.URLParam(r, "sessionID"), req.Report)
	if err != nil {
		writeServiceError(w, r, err, "update draft")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *APIHandler) ParamsHandler(w http.ResponseWriter, r *http.Request) {
	form, err := h.service.ParamForm(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, r, err, "get parameters")
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (h *APIHandler) RunDraftHandler(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.service.RunDraft(r.Context(), chi.URLParam(r, "sessionID"), req.Params)
	if err != nil {
		writeServiceError(w, r, err, "run draft")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) RenderDraftHandler(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.RenderDraft(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, r, err, "render draft")
		return
	}
	if wantsHTML(r) {
		writeHTML(w, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type SaveDraftRequest struct {
	Title string `json:"title"`
}

func (h *APIHandler) SaveDraftHandler(w http.ResponseWriter, r *http.Request) {
	var req SaveDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}
	saved, err := h.service.SaveDraft(r.Context(), chi.URLParam(r, "sessionID"), req.Title)
	if err != nil {
		writeServiceError(w, r, err, "save report")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// --- Stateless rendering ---

type RenderRequest struct {
	Report *report.Artifact  `json:"report"`
	Data   report.DataResult `json:"data"`
}

func (h *APIHandler) RenderHandler(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Report == nil {
		http.Error(w, "Report is required", http.StatusBadRequest)
		return
	}
	report.Normalize(req.Report)
	res := h.renderer.Render(r.Context(), req.Report, req.Data)
	if wantsHTML(r) {
		writeHTML(w, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
