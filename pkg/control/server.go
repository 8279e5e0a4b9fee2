// Package control exposes the call operations and the live call state to a local UI driver
// over HTTP and WebSocket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heartsync/callsig/pkg/call"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var ErrUnknownOperation = errors.New("unknown operation")

// The call as seen by the UI driver. Implemented by `*call.Coordinator`.
type Call interface {
	Snapshot() call.Snapshot
	Watch() (<-chan call.Snapshot, func())
	StartCall(ctx context.Context) error
	AcceptCall(ctx context.Context) error
	DeclineCall(ctx context.Context)
	EndCall(ctx context.Context)
	SetMutedAudio(muted bool)
	SetMutedVideo(muted bool)
}

type Server struct {
	call     Call
	gatherer prometheus.Gatherer
	logger   *logrus.Entry
}

// A nil gatherer disables `/metrics`.
func NewServer(call Call, gatherer prometheus.Gatherer, logger *logrus.Entry) *Server {
	return &Server{call: call, gatherer: gatherer, logger: logger}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/call", func(r chi.Router) {
		r.Get("/", s.getCall)
		r.Get("/ws", s.serveWS)
		r.Post("/mute", s.mute)
		r.Post("/{op:start|accept|decline|end}", s.operation)
	})

	return r
}

// Serves until the context is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, config Config) error {
	server := &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()

	s.logger.WithField("addr", config.Addr).Info("control surface listening")

	select {
	case err := <-errs:
		return fmt.Errorf("control surface failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

func (s *Server) getCall(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewSnapshotView(s.call.Snapshot()))
}

func (s *Server) operation(w http.ResponseWriter, r *http.Request) {
	if err := s.execute(r.Context(), chi.URLParam(r, "op"), false); err != nil {
		s.writeJSON(w, statusOf(err), NewErrorView(err))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSnapshotView(s.call.Snapshot()))
}

type muteRequest struct {
	Audio *bool `json:"audio"`
	Video *bool `json:"video"`
}

func (s *Server) mute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, &ErrorView{Message: "invalid mute request"})
		return
	}

	if req.Audio != nil {
		s.call.SetMutedAudio(*req.Audio)
	}
	if req.Video != nil {
		s.call.SetMutedVideo(*req.Video)
	}

	s.writeJSON(w, http.StatusOK, NewSnapshotView(s.call.Snapshot()))
}

// Runs one of the call operations by name.
func (s *Server) execute(ctx context.Context, op string, muted bool) error {
	switch op {
	case "start":
		return s.call.StartCall(ctx)
	case "accept":
		return s.call.AcceptCall(ctx)
	case "decline":
		s.call.DeclineCall(ctx)
	case "end":
		s.call.EndCall(ctx)
	case "mute_audio":
		s.call.SetMutedAudio(muted)
	case "mute_video":
		s.call.SetMutedVideo(muted)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request served")
	})
}
