package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gwaggli/gwaggli/internal/config"
	"github.com/gwaggli/gwaggli/internal/pipeline"
)

// now is replaced in tests.
var now = time.Now

// SessionInfo holds metadata about the running session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// Source is the configured audio source kind.
	Source string `json:"source"`

	// Transcriber is the name of the primary transcriber.
	Transcriber string `json:"transcriber"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`
}

func newSessionInfo(cfg *config.Config, at time.Time) SessionInfo {
	at = at.UTC()
	return SessionInfo{
		SessionID: fmt.Sprintf("session-%s-%s",
			sanitizeName(string(cfg.Audio.Source)),
			at.Format("20060102T150405Z"),
		),
		Source:      string(cfg.Audio.Source),
		Transcriber: cfg.Transcriber.Name,
		StartedAt:   at,
	}
}

// Status is a snapshot of the session, served as JSON at /api/session.
type Status struct {
	Active  bool           `json:"active"`
	Session *SessionInfo   `json:"session,omitempty"`
	Stats   pipeline.Stats `json:"stats"`

	// Backends maps each transcriber to its circuit breaker state.
	Backends map[string]string `json:"backends"`

	// Clients is the number of connected transcript feed clients.
	Clients int `json:"clients"`
}

// Status returns a snapshot of the session.
func (a *App) Status() Status {
	st := Status{
		Session:  a.session.Load(),
		Stats:    a.driver.Stats(),
		Backends: make(map[string]string),
		Clients:  a.hub.Clients(),
	}
	st.Active = st.Session != nil
	for name, state := range a.transcriber.Backends() {
		st.Backends[name] = state.String()
	}
	return st
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
		slog.Warn("session status: encode failed", "err", err)
	}
}

// sanitizeName replaces spaces with hyphens and lowercases a name
// for use in session IDs.
func sanitizeName(name string) string {
	if name == "" {
		return "default"
	}
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}
