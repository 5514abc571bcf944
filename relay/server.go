// This package exposes the remote tables over HTTP and provides a client for them, so devices can share a
// single key-state store without direct database access.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/meow-io/go-senderkeys/config"
	"github.com/meow-io/go-senderkeys/ids"
	"github.com/meow-io/go-senderkeys/remote"
	"go.uber.org/zap"
)

type rotateRequest struct {
	Actor          string     `json:"actor"`
	NewKeyID       string     `json:"new_key_id"`
	GraceExpiresAt *time.Time `json:"grace_expires_at,omitempty"`
}

type membershipRequest struct {
	KeyID string `json:"key_id"`
}

type identityBody struct {
	UserID          string `json:"user_id"`
	PublicKeyBase64 string `json:"public_key_base64"`
}

type errorBody struct {
	Error string `json:"error"`
}

type Server struct {
	log     *zap.SugaredLogger
	backend remote.Backend
}

func NewServer(c *config.Config, backend remote.Backend) *Server {
	return &Server{
		log:     c.Logger("relay/server"),
		backend: backend,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/communities/{communityID}", func(r chi.Router) {
		r.Get("/key-state", s.handleGetKeyState)
		r.Post("/key-state", s.handleInsertKeyState)
		r.Post("/key-state/rotate", s.handleRotateKeyState)
		r.Post("/shares", s.handleInsertShares)
		r.Get("/shares/{keyID}/{userID}", s.handleGetShare)
		r.Put("/memberships/{userID}", s.handleUpsertMembership)
	})
	r.Put("/identities/{userID}", s.handlePutIdentity)
	r.Get("/identities/{userID}", s.handleGetIdentity)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		defer func() {
			s.log.Debugw("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(started), "request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleGetKeyState(w http.ResponseWriter, r *http.Request) {
	state, err := s.backend.KeyState(r.Context(), chi.URLParam(r, "communityID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleInsertKeyState(w http.ResponseWriter, r *http.Request) {
	state := &remote.KeyState{}
	if !s.decode(w, r, state) {
		return
	}
	state.CommunityID = chi.URLParam(r, "communityID")
	// only rotation sets these
	state.PreviousKeyID = ""
	state.GraceExpiresAt = nil
	if !ids.ValidKeyID(state.ActiveKeyID) || state.CreatedBy == "" {
		s.writeStatus(w, http.StatusBadRequest, "key_id must be a uuid and created_by is required")
		return
	}
	if err := s.backend.InsertKeyState(r.Context(), state); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRotateKeyState(w http.ResponseWriter, r *http.Request) {
	req := &rotateRequest{}
	if !s.decode(w, r, req) {
		return
	}
	if !ids.ValidKeyID(req.NewKeyID) || req.Actor == "" {
		s.writeStatus(w, http.StatusBadRequest, "new_key_id must be a uuid and actor is required")
		return
	}
	state, err := s.backend.RotateKeyState(r.Context(), chi.URLParam(r, "communityID"), req.Actor, req.NewKeyID, req.GraceExpiresAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleInsertShares(w http.ResponseWriter, r *http.Request) {
	shares := []*remote.KeyShare{}
	if !s.decode(w, r, &shares) {
		return
	}
	communityID := chi.URLParam(r, "communityID")
	for _, share := range shares {
		if share.CommunityID != communityID || share.KeyID == "" || share.ToUserID == "" || share.FromUserID == "" {
			s.writeStatus(w, http.StatusBadRequest, "share does not belong to this community or is incomplete")
			return
		}
	}
	if err := s.backend.InsertShares(r.Context(), shares); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetShare(w http.ResponseWriter, r *http.Request) {
	share, err := s.backend.Share(r.Context(), chi.URLParam(r, "communityID"), chi.URLParam(r, "keyID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleUpsertMembership(w http.ResponseWriter, r *http.Request) {
	req := &membershipRequest{}
	if !s.decode(w, r, req) {
		return
	}
	if req.KeyID == "" {
		s.writeStatus(w, http.StatusBadRequest, "key_id is required")
		return
	}
	if err := s.backend.UpsertMembership(r.Context(), &remote.Membership{
		CommunityID: chi.URLParam(r, "communityID"),
		UserID:      chi.URLParam(r, "userID"),
		KeyID:       req.KeyID,
	}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutIdentity(w http.ResponseWriter, r *http.Request) {
	body := &identityBody{}
	if !s.decode(w, r, body) {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.PublicKeyBase64)
	if err != nil || len(raw) != 32 {
		s.writeStatus(w, http.StatusBadRequest, "public_key_base64 must encode 32 bytes")
		return
	}
	if err := s.backend.PutPublicKey(r.Context(), chi.URLParam(r, "userID"), [32]byte(raw)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	pub, err := s.backend.PublicKey(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &identityBody{UserID: userID, PublicKeyBase64: base64.StdEncoding.EncodeToString(pub[:])})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeStatus(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		s.writeStatus(w, http.StatusNotFound, err.Error())
	case errors.Is(err, remote.ErrAlreadyExists):
		s.writeStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, remote.ErrNotCreator):
		s.writeStatus(w, http.StatusForbidden, err.Error())
	case errors.Is(err, remote.ErrUnavailable):
		s.writeStatus(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Warnf("internal error: %v", err)
		s.writeStatus(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, &errorBody{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugf("error writing response: %v", err)
	}
}
