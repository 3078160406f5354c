package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentworkforce/formsync/internal/durable"
	"github.com/agentworkforce/formsync/internal/forms"
	"github.com/agentworkforce/formsync/internal/prefs"
	"github.com/agentworkforce/formsync/internal/reconcile"
	"github.com/agentworkforce/formsync/internal/scheduler"
)

type formsResponse struct {
	Forms forms.Registry `json:"forms"`
}

type fieldEditRequest struct {
	FieldID string `json:"fieldId"`
	Value   any    `json:"value"`
}

type attachmentRequest struct {
	FieldID     string     `json:"fieldId"`
	URI         string     `json:"uri"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	ContentType string     `json:"contentType"`
	Geo         *forms.Geo `json:"geo,omitempty"`
}

type cameraRequest struct {
	Facing string `json:"facing"`
	Flash  string `json:"flash"`
}

func (s *Server) handleListForms(w http.ResponseWriter, r *http.Request) {
	registry := s.engine.Registry()
	if r.URL.Query().Get("status") != "all" {
		registry = registry.Drafts()
	}
	writeJSON(w, http.StatusOK, formsResponse{Forms: registry})
}

func (s *Server) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	var template forms.Template
	if !s.decodeJSONBody(w, r, &template) {
		return
	}
	form, err := s.engine.CreateForm(r.Context(), template)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, form)
}

func (s *Server) handleGetForm(w http.ResponseWriter, r *http.Request) {
	form, err := s.engine.Open(chi.URLParam(r, "formID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleOpenForm(w http.ResponseWriter, r *http.Request) {
	form, err := s.sessions.open(s.engine, chi.URLParam(r, "formID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if form.IsCompleted() {
		s.sessions.discard(form.ID)
		s.writeDomainError(w, r, &forms.StateError{FormID: form.ID, Status: form.Status, Op: "open"})
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleEditField(w http.ResponseWriter, r *http.Request) {
	var req fieldEditRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "formID")
	form, err := s.sessions.update(s.engine, id, func(form *forms.Form) error {
		field, ok := form.Template.Field(strings.TrimSpace(req.FieldID))
		if !ok {
			return fieldNotFound(req.FieldID)
		}
		form.SetField(field, req.Value, time.Now())
		return s.engine.EditForm(*form)
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, form)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachmentRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.URI) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "uri is required", correlationIDFrom(r))
		return
	}
	now := time.Now()
	image := forms.NewImage(req.URI, req.Width, req.Height, now)
	image.Geo = req.Geo
	image.ContentType = strings.TrimSpace(req.ContentType)
	if image.ContentType == "" {
		contentType, err := forms.DescribeAttachment(image.URI)
		if err != nil {
			s.logf("attachment %s: content type unknown: %v", image.URI, err)
		}
		image.ContentType = contentType
	}

	id := chi.URLParam(r, "formID")
	form, err := s.sessions.update(s.engine, id, func(form *forms.Form) error {
		field, ok := form.Template.Field(strings.TrimSpace(req.FieldID))
		if !ok {
			return fieldNotFound(req.FieldID)
		}
		form.AppendImage(field.Key(), image, now)
		return s.engine.EditForm(*form)
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, form)
}

func (s *Server) handleFlushForm(w http.ResponseWriter, r *http.Request) {
	form, err := s.sessions.current(s.engine, chi.URLParam(r, "formID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	registry, err := s.engine.FlushForm(r.Context(), form)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, formsResponse{Forms: registry.Drafts()})
}

func (s *Server) handleCloseForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "formID")
	form, err := s.sessions.current(s.engine, id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	registry, err := s.engine.FlushForm(r.Context(), form)
	s.sessions.discard(id)
	if err != nil && !errors.Is(err, forms.ErrInvalidState) {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, formsResponse{Forms: registry.Drafts()})
}

func (s *Server) handleCompleteForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "formID")
	form, err := s.sessions.current(s.engine, id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	registry, err := s.engine.CompleteForm(r.Context(), form)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.sessions.discard(id)
	writeJSON(w, http.StatusOK, formsResponse{Forms: registry.Drafts()})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()
	if err := s.engine.Sync(ctx); err != nil {
		if errors.Is(err, reconcile.ErrNoRemote) {
			s.writeDomainError(w, r, err)
			return
		}
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationIDFrom(r))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	camera, err := s.prefs.Camera(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, camera)
}

func (s *Server) handlePutCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	var update prefs.Camera
	if req.Facing != "" {
		facing, err := prefs.ParseFacing(req.Facing)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationIDFrom(r))
			return
		}
		update.Facing = facing
	}
	if req.Flash != "" {
		flash, err := prefs.ParseFlash(req.Flash)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationIDFrom(r))
			return
		}
		update.Flash = flash
	}
	if err := s.prefs.SetCamera(r.Context(), update); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.handleGetCamera(w, r)
}

func (s *Server) handleToggleFacing(w http.ResponseWriter, r *http.Request) {
	if _, err := s.prefs.ToggleFacing(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.handleGetCamera(w, r)
}

func (s *Server) handleCycleFlash(w http.ResponseWriter, r *http.Request) {
	if _, err := s.prefs.CycleFlash(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.handleGetCamera(w, r)
}

func fieldNotFound(fieldID string) error {
	return fmt.Errorf("%w: unknown field %q", forms.ErrInvalidInput, strings.TrimSpace(fieldID))
}

// writeDomainError maps engine errors onto API responses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := correlationIDFrom(r)
	var validation *forms.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":          "validation_failed",
			"message":       err.Error(),
			"missing":       validation.Missing,
			"correlationId": correlationID,
		})
	case errors.Is(err, forms.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, forms.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, forms.ErrInvalidInput), errors.Is(err, forms.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, reconcile.ErrNoRemote):
		writeError(w, http.StatusServiceUnavailable, "no_remote", err.Error(), correlationID)
	case errors.Is(err, durable.ErrStorage), errors.Is(err, scheduler.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logf("request %s failed: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
