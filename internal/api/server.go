// Package api exposes the live pose estimator over HTTP: calibration
// control, pose/state snapshots, and the pose feed WebSocket upgrade.
// Structured after the reference service's cmd/valkyrie/main.go HTTP
// handler set (one http.ServeMux, one handler method per route) and its
// sibling JWT bearer-token scheme (internal/services/auth.go), trimmed
// from full user accounts down to a single shared operator secret since
// this deployment has no user directory to authenticate against.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/ionlake/imutrack/internal/calibration"
	"github.com/ionlake/imutrack/internal/ekf"
	"github.com/ionlake/imutrack/internal/linalg"
	"github.com/ionlake/imutrack/internal/posefeed"
	"github.com/ionlake/imutrack/internal/preprocess"
)

// Server wires the estimator, calibration transformer, and pose feed
// together behind an HTTP mux.
type Server struct {
	state      *ekf.State
	transformer *calibration.Transformer
	streamer   *posefeed.Streamer
	signingKey []byte
	logger     *logrus.Logger
	version    string
}

// NewServer constructs a Server. A nil or empty signingKey disables bearer
// authentication entirely — every request is treated as authorized, which
// is the correct default for a single-operator local deployment.
func NewServer(state *ekf.State, transformer *calibration.Transformer, streamer *posefeed.Streamer, signingKey string, logger *logrus.Logger, version string) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		state:       state,
		transformer: transformer,
		streamer:    streamer,
		signingKey:  []byte(signingKey),
		logger:      logger,
		version:     version,
	}
}

// Handler builds the request mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/state", s.authenticated(s.stateHandler))
	mux.HandleFunc("/api/v1/calibration/start", s.authenticated(s.calibrationStartHandler))
	mux.HandleFunc("/api/v1/calibration/sample", s.authenticated(s.calibrationSampleHandler))
	mux.HandleFunc("/api/v1/calibration/cancel", s.authenticated(s.calibrationCancelHandler))
	mux.HandleFunc("/api/v1/calibration/status", s.authenticated(s.calibrationStatusHandler))
	mux.HandleFunc("/api/v1/replay", s.authenticated(s.replayHandler))

	if s.streamer != nil {
		mux.HandleFunc("/ws/pose", s.streamer.HandleWebSocket)
	}

	return mux
}

// authenticated wraps next with bearer-token validation. With no signing
// key configured, requests pass through unauthenticated.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.signingKey) == 0 {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.signingKey, nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "imutrack",
		"version": s.version,
	})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	pos := s.state.Position()
	vel := s.state.Velocity()
	bias := s.state.Bias()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"position":   pos,
		"velocity":   vel,
		"bias":       bias,
		"stationary": s.state.StationaryCount(),
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) calibrationStartHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	ev := s.transformer.Start()
	writeJSON(w, http.StatusOK, eventToJSON(ev))
}

// calibrationSampleHandler accepts one acceleration sample as the body of
// an in-progress direction hold and reports whether that step completed.
func (s *Server) calibrationSampleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var sample linalg.Vec3
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sample body")
		return
	}

	completed, events := s.transformer.AddSample(sample)

	out := make([]map[string]interface{}, len(events))
	for i, ev := range events {
		out[i] = eventToJSON(ev)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stepCompleted": completed,
		"events":        out,
	})
}

func (s *Server) calibrationCancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	ev := s.transformer.Cancel()
	writeJSON(w, http.StatusOK, eventToJSON(ev))
}

func (s *Server) calibrationStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"step": s.transformer.State().String(),
	})
}

// replayHandler accepts a schema-version-1 Recording JSON body and responds
// with its schema-version-1 Replay JSON, running the deterministic offline
// preprocessor synchronously — recordings are bounded in size and this is
// not a hot path.
func (s *Server) replayHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var rec preprocess.Recording
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording body")
		return
	}

	replay, err := preprocess.Run(rec, preprocess.Options{})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, replay)
}

func eventToJSON(ev calibration.Event) map[string]interface{} {
	return map[string]interface{}{
		"kind":     int(ev.Kind),
		"step":     ev.Step.String(),
		"message":  ev.Message,
		"progress": ev.Progress,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
