package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/protocol"
)

type presenceData struct {
	Count          int                    `json:"count"`
	Connected      int                    `json:"connected"`
	HistoryLength  int                    `json:"history_length"`
	RecentMessages []protocol.ChatMessage `json:"recent_messages"`
	Roster         []protocol.RosterEntry `json:"roster"`
	Typing         int                    `json:"typing"`
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PresenceHandler serves GET /api/presence from a coordinator snapshot.
func (g *Gateway) PresenceHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Error: "method not allowed"})
			return
		}

		stats, err := g.lobby.Inspect(r.Context())
		if err != nil {
			g.log.Warn("presence snapshot failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, apiResponse{Error: "lobby unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: toPresenceData(stats)})
	})
}

func toPresenceData(s presence.Stats) presenceData {
	return presenceData{
		Count:         s.Count,
		Connected:     s.Connected,
		HistoryLength: s.HistoryLength,
		RecentMessages: lo.Map(s.RecentMessages, func(m presence.Message, _ int) protocol.ChatMessage {
			return m.Wire()
		}),
		Roster: lo.Map(s.Roster, func(c presence.Connection, _ int) protocol.RosterEntry {
			return protocol.RosterEntry{ID: c.ID, Name: c.DisplayName, JoinedAt: c.JoinedAt}
		}),
		Typing: s.Typing,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
