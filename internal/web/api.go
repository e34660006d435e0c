package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/prefs"
)

const maxSettingsBody = 16 << 10

// GET /api/scenarios
func (s *Server) handleScenarios(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Catalog.Current().Scenarios())
}

// GET /api/voices
func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Catalog.Current().Voices())
}

// sessionSummary is a history entry without its transcript.
type sessionSummary struct {
	ID            string    `json:"id"`
	ScenarioID    string    `json:"scenarioId"`
	ScenarioTitle string    `json:"scenarioTitle"`
	Turns         int       `json:"turns"`
	OverallScore  *int      `json:"overallScore,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	EndedAt       time.Time `json:"endedAt"`
}

// GET /api/sessions?limit=N
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []sessionSummary{})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := s.deps.History.List(r.Context(), limit)
	if err != nil {
		slog.Warn("web: list sessions", "err", err)
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	out := make([]sessionSummary, 0, len(list))
	for _, rec := range list {
		out = append(out, summarize(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func summarize(rec history.Session) sessionSummary {
	sum := sessionSummary{
		ID:            rec.ID,
		ScenarioID:    rec.ScenarioID,
		ScenarioTitle: rec.ScenarioTitle,
		Turns:         rec.Turns,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
	}
	if rec.Evaluation != nil {
		score := rec.Evaluation.OverallScore
		sum.OverallScore = &score
	}
	return sum
}

// GET /api/sessions/{id}
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	rec, err := s.deps.History.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Warn("web: get session", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "could not load session")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// settingsView never carries the full key.
type settingsView struct {
	APIKey         string `json:"apiKey"`
	HasAPIKey      bool   `json:"hasApiKey"`
	RelayServerURL string `json:"relayServerUrl"`
}

// settingsUpdate changes only the fields present in the request.
type settingsUpdate struct {
	APIKey         *string `json:"apiKey"`
	RelayServerURL *string `json:"relayServerUrl"`
}

func viewOf(p prefs.Prefs) settingsView {
	return settingsView{
		APIKey:         p.MaskedKey(),
		HasAPIKey:      p.APIKey != "",
		RelayServerURL: p.RelayServerURL,
	}
}

// GET /api/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	p, err := s.deps.Prefs.Load()
	if err != nil {
		slog.Warn("web: load prefs", "err", err)
		writeError(w, http.StatusInternalServerError, "could not read settings")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

// PUT /api/settings
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var upd settingsUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody)).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.deps.Prefs.Load()
	if err != nil {
		slog.Warn("web: load prefs", "err", err)
		writeError(w, http.StatusInternalServerError, "could not read settings")
		return
	}
	if upd.APIKey != nil {
		p.APIKey = *upd.APIKey
	}
	if upd.RelayServerURL != nil {
		p.RelayServerURL = *upd.RelayServerURL
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Prefs.Save(p); err != nil {
		slog.Warn("web: save prefs", "err", err)
		writeError(w, http.StatusInternalServerError, "could not save settings")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("web: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
