// Package api provides HTTP handlers for sosflow endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lifeline-ph/sosflow/internal/flow"
	"github.com/lifeline-ph/sosflow/internal/models"
)

// defaultReportsWindow bounds GET /reports when no since parameter is given.
const defaultReportsWindow = 24 * time.Hour

// deviceState is the optional location block clients attach to flow events.
type deviceState struct {
	ServicesEnabled   *bool            `json:"services_enabled"`
	PermissionGranted *bool            `json:"permission_granted"`
	Position          *models.Location `json:"position"`
}

// eventRequest is the shared request body for flow event endpoints.
type eventRequest struct {
	Category string       `json:"category,omitempty"`
	Text     string       `json:"text,omitempty"`
	Location *deviceState `json:"location,omitempty"`
}

// handleFlowEvent runs one flow event for the request's session and writes
// the resulting notice. Invalid transitions map to 409, validation failures
// to 400.
func (s *Server) handleFlowEvent(w http.ResponseWriter, r *http.Request, name string, fn func(sess *session, req eventRequest) (*flow.Notice, error)) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server."+name+": processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server."+name+": method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server."+name+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	sess, err := s.session(r)
	if err != nil {
		slog.Error("Server."+name+": session setup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load user session"))
		return
	}
	if req.Location != nil {
		applyDeviceState(sess, req.Location)
	}

	notice, err := fn(sess, req)
	if err != nil {
		status, msg := classifyFlowError(err)
		slog.Warn("Server."+name+": event rejected", "error", err)
		writeJSONResponse(w, status, models.Error(msg))
		return
	}
	if notice == nil {
		// The event was superseded while in flight; report current state.
		writeJSONResponse(w, http.StatusOK, models.Success(sess.flow.Snapshot()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(notice))
}

func applyDeviceState(sess *session, ds *deviceState) {
	enabled, granted := true, true
	if ds.ServicesEnabled != nil {
		enabled = *ds.ServicesEnabled
	}
	if ds.PermissionGranted != nil {
		granted = *ds.PermissionGranted
	}
	sess.locations.Report(enabled, granted, ds.Position)
}

func classifyFlowError(err error) (int, string) {
	switch {
	case errors.Is(err, flow.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, models.ErrInvalidCategory),
		errors.Is(err, models.ErrMissingOtherDetail),
		errors.Is(err, models.ErrOtherDetailTooLong):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Failed to process event"
	}
}

func (s *Server) pressHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "pressHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.Press(r.Context())
	})
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "cancelHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.CancelCountdown(r.Context())
	})
}

func (s *Server) confirmHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "confirmHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.Confirm(r.Context())
	})
}

func (s *Server) declineHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "declineHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.Decline(r.Context())
	})
}

func (s *Server) locationRetryHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "locationRetryHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.RetryLocation(r.Context())
	})
}

func (s *Server) locationCancelHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "locationCancelHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.CancelLocation(r.Context())
	})
}

func (s *Server) typeHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "typeHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.SelectCategory(r.Context(), models.Category(req.Category))
	})
}

func (s *Server) typeCancelHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "typeCancelHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.CancelType(r.Context())
	})
}

func (s *Server) draftHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "draftHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		if err := sess.flow.SetOtherDetail(r.Context(), req.Text); err != nil {
			return nil, err
		}
		return &flow.Notice{Kind: flow.NoticeDraftSaved, Draft: req.Text}, nil
	})
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "submitHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.Submit(r.Context())
	})
}

func (s *Server) dismissHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "dismissHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		return sess.flow.Dismiss(r.Context())
	})
}

func (s *Server) introHandler(w http.ResponseWriter, r *http.Request) {
	s.handleFlowEvent(w, r, "introHandler", func(sess *session, req eventRequest) (*flow.Notice, error) {
		sess.flow.MarkIntroSeen()
		return &flow.Notice{Kind: flow.NoticeDismissed}, nil
	})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.stateHandler: processing state request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.session(r)
	if err != nil {
		slog.Error("Server.stateHandler: session setup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load user session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.flow.Snapshot()))
}

// profileHandler upserts the caller's profile. Requires an authenticated
// user id; the cached session is dropped so the next event sees the update.
func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.profileHandler: processing profile request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing user identity"))
		return
	}

	var req struct {
		FirstName     string `json:"first_name"`
		LastName      string `json:"last_name"`
		ContactNumber string `json:"contact_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.profileHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	existing, err := s.st.GetUserProfile(userID)
	if err != nil {
		slog.Error("Server.profileHandler: profile lookup failed", "user", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
		return
	}
	profile := models.UserProfile{UserID: userID}
	if existing != nil {
		profile = *existing
	}
	profile.FirstName = req.FirstName
	profile.LastName = req.LastName
	profile.ContactNumber = req.ContactNumber

	if err := s.st.SaveUserProfile(profile); err != nil {
		slog.Error("Server.profileHandler: profile save failed", "user", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save profile"))
		return
	}
	s.dropSession(userID)
	slog.Info("Server.profileHandler: profile saved", "user", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Profile saved", nil))
}

func (s *Server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.reportsHandler: processing reports request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	since := time.Now().Add(-defaultReportsWindow)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid since parameter, expected RFC 3339"))
			return
		}
		since = parsed
	}
	reports, err := s.st.ListRecentReports(since)
	if err != nil {
		slog.Error("Server.reportsHandler: report listing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list reports"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reports))
}

func (s *Server) hotlinesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(Hotlines))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("sosflow is healthy", nil))
}
