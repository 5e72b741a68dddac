package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lob-engine/console/pkg/capture"
	"github.com/lob-engine/console/pkg/console"
	"github.com/lob-engine/console/pkg/engine"
	"github.com/lob-engine/console/pkg/errors"
	"github.com/lob-engine/console/pkg/profile"
)

type createSessionRequest struct {
	Profile   string `json:"profile"`
	RelayURL  string `json:"network_relay_url"`
	Autostart *bool  `json:"autostart"`
}

type sessionResponse struct {
	ID         string             `json:"id"`
	EnginePath string             `json:"engine_path"`
	Params     profile.BootParams `json:"params"`
	View       console.View       `json:"view"`
}

type captureResponse struct {
	Supported bool          `json:"supported"`
	Capture   capture.State `json:"capture"`
}

func (s *Server) listProfiles(w http.ResponseWriter, _ *http.Request) {
	out := make([]profile.BootParams, 0, len(profile.Names()))
	for _, name := range profile.Names() {
		out = append(out, s.resolver.Params(s.resolver.Resolve(name, profile.Overrides{})))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) bootParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resolver.Params(s.resolver.FromQuery(r.URL.Query())))
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	q := r.URL.Query()
	if req.Profile == "" {
		req.Profile = q.Get(profile.QueryProfile)
	}
	if req.RelayURL == "" {
		req.RelayURL = q.Get(profile.QueryRelayURL)
	}

	sess := s.registry.Create(req.Profile, profile.Overrides{RelayURL: req.RelayURL, Autostart: req.Autostart})
	writeJSON(w, http.StatusCreated, sessionResponse{
		ID:         sess.ID,
		EnginePath: "/api/sessions/" + sess.ID + "/engine",
		Params:     sess.Params,
		View:       sess.View(),
	})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.registry.List()
	out := make([]console.View, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.View())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*console.Session, bool) {
	sess, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.registry.Remove(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// engineSocket upgrades to the engine bridge and serves it until the page
// goes away, then drops the session.
func (s *Server) engineSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Connected() {
		s.fail(w, r, errors.ErrEngineAttached)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("engine_upgrade_failed", "session_id", sess.ID, "error", err)
		return
	}

	b := engine.NewBridge(conn, s.logger.With("session_id", sess.ID), engine.WithReadLimit(s.opts.MaxFrameSize))
	err = sess.Serve(r.Context(), b)
	if errors.Is(err, errors.ErrEngineAttached) {
		s.logger.Warn("engine_rejected_duplicate", "session_id", sess.ID)
		_ = b.Close()
		return
	}
	if err != nil {
		s.logger.Warn("engine_connection_lost", "session_id", sess.ID, "error", err)
	}
	s.registry.Remove(sess.ID)
}

// command runs a controller operation under the command timeout and
// answers with the session's view.
func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(context.Context, *console.Session) error) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()

	if err := fn(ctx, sess); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) power(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context, sess *console.Session) error {
		return sess.Controller.RequestPower(ctx)
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context, sess *console.Session) error {
		return sess.Controller.TogglePause(ctx)
	})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context, sess *console.Session) error {
		return sess.Controller.Reset(ctx)
	})
}

// captureCommand runs a capture request. A missing primitive is not an
// error: the response says it is unsupported.
func (s *Server) captureCommand(w http.ResponseWriter, r *http.Request, fn func(*capture.Coordinator, context.Context) error) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CommandTimeout)
	defer cancel()

	err := fn(sess.Capture, ctx)
	if err != nil && !errors.Is(err, errors.ErrUnsupported) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{Supported: err == nil, Capture: sess.Capture.State()})
}

func (s *Server) fullScreen(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, (*capture.Coordinator).RequestFullScreen)
}

func (s *Server) exitFullScreen(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, (*capture.Coordinator).ExitFullScreen)
}

func (s *Server) pointerLock(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, (*capture.Coordinator).RequestPointerLock)
}

func (s *Server) clickToCapture(w http.ResponseWriter, r *http.Request) {
	s.captureCommand(w, r, (*capture.Coordinator).ClickToCapture)
}
