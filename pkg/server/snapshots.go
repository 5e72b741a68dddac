package server

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lob-engine/console/pkg/console"
	"github.com/lob-engine/console/pkg/db"
	"github.com/lob-engine/console/pkg/errors"
)

// StateField is the multipart field carrying an uploaded snapshot.
const StateField = "state"

type restoreResponse struct {
	Snapshot *db.Snapshot `json:"snapshot"`
	View     console.View `json:"view"`
}

// saveSnapshot captures the machine state and streams it back as a file
// download. With ?download=false only the catalog record is returned. A
// save that outlives the request answers 202 with the pending record.
func (s *Server) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.SaveTimeout)
	defer cancel()

	snap, err := s.snapshots.Save(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, errors.ErrSnapshotPending) {
		writeJSON(w, http.StatusAccepted, snap)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("download") == "false" {
		writeJSON(w, http.StatusCreated, snap)
		return
	}
	s.stream(ctx, w, r, snap.ID)
}

func (s *Server) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "missing "+StateField+" file")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart upload")
			return
		}
		if part.FormName() != StateField {
			part.Close()
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.opts.SaveTimeout)
		snap, err := s.snapshots.Restore(ctx, sess.ID, part.FileName(), part)
		cancel()
		part.Close()
		if errors.Is(err, errors.ErrSnapshotPending) {
			writeJSON(w, http.StatusAccepted, restoreResponse{Snapshot: snap, View: sess.View()})
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, restoreResponse{Snapshot: snap, View: sess.View()})
		return
	}
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshots(w, r, r.URL.Query().Get("session"))
}

func (s *Server) listSessionSnapshots(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshots(w, r, chi.URLParam(r, "id"))
}

func (s *Server) writeSnapshots(w http.ResponseWriter, r *http.Request, sessionID string) {
	snaps, err := s.snapshots.List(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []*db.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) downloadSnapshot(w http.ResponseWriter, r *http.Request) {
	s.stream(r.Context(), w, r, chi.URLParam(r, "sid"))
}

func (s *Server) stream(ctx context.Context, w http.ResponseWriter, r *http.Request, id string) {
	body, snap, err := s.snapshots.Open(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": snap.FileName}))
	w.Header().Set("X-Snapshot-Id", snap.ID)
	if snap.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(snap.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("snapshot_stream_failed", "snapshot_id", id, "error", errors.Wrap(err, "copy"))
	}
}
