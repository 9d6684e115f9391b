// Package health serves the session's liveness and readiness endpoints.
//
// /healthz answers 200 while the process can serve HTTP. /readyz grades the
// session from its checks: a session whose transcriber has fallen back to a
// secondary backend is still ready but reported as "degraded"; one with no
// usable backend or no running capture is not ready and answers 503.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gwaggli/gwaggli/internal/resilience"
)

// Level grades one check. Higher is worse.
type Level int

const (
	Ready Level = iota
	Degraded
	NotReady
)

func (l Level) String() string {
	switch l {
	case Ready:
		return "ok"
	case Degraded:
		return "degraded"
	default:
		return "fail"
	}
}

// MarshalText encodes l as its status word.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Check is one named readiness input. Report must not block; it reads
// state the session already tracks.
type Check struct {
	Name   string
	Report func() (Level, string)
}

type checkResult struct {
	Status Level  `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type response struct {
	Status Level                  `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The check list is fixed by [New].
type Handler struct {
	checks []Check
}

func New(checks ...Check) *Handler {
	return &Handler{checks: slices.Clone(checks)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: Ready})
}

// Readyz reports the worst level over all checks. Only NotReady answers 503.
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	res := h.evaluate()
	status := http.StatusOK
	if res.Status == NotReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// evaluate runs every check once.
func (h *Handler) evaluate() response {
	res := response{Status: Ready, Checks: make(map[string]checkResult, len(h.checks))}
	for _, c := range h.checks {
		lvl, detail := c.Report()
		res.Checks[c.Name] = checkResult{Status: lvl, Detail: detail}
		res.Status = max(res.Status, lvl)
	}
	return res
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// TranscriberCheck grades the transcriber chain by its circuit breakers.
// Every breaker open is NotReady; some open is Degraded and names them.
func TranscriberCheck(t interface {
	Backends() map[string]resilience.State
}) Check {
	return Check{Name: "transcriber", Report: func() (Level, string) {
		states := t.Backends()
		if len(states) == 0 {
			return NotReady, "no backends configured"
		}
		var open []string
		for name, s := range states {
			if s == resilience.StateOpen {
				open = append(open, name)
			}
		}
		slices.Sort(open)
		switch {
		case len(open) == 0:
			return Ready, ""
		case len(open) == len(states):
			return NotReady, "all backends open"
		default:
			return Degraded, "open: " + strings.Join(open, ", ")
		}
	}}
}

// CaptureCheck is NotReady until the audio source is running.
func CaptureCheck(s interface{ Running() bool }) Check {
	return Check{Name: "capture", Report: func() (Level, string) {
		if !s.Running() {
			return NotReady, "audio source is not running"
		}
		return Ready, ""
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"status":"fail","detail":%q}`, err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}
