package http

import (
	"encoding/json"
	"net/http"

	"github.com/snehjoshi/epochsink/internal/types"
)

// SinkInfo is what the /sinks endpoints need from a sink. Every queued sink
// satisfies it.
type SinkInfo interface {
	Name() string
	State() types.State
	NumOfPendingMessages() int64
	DroppedMessages() int64
}

// statuser and statter are implemented by sinks that also report health and
// a human-readable summary, such as the local file sink.
type statuser interface{ Status() types.Status }

type statter interface{ Stat() string }

// Handler groups the HTTP request handlers around a set of sinks.
type Handler struct {
	sinks []SinkInfo
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type sinkResponse struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Pending int64  `json:"pending"`
	Dropped int64  `json:"dropped"`
	Status  string `json:"status,omitempty"`
	Stat    string `json:"stat,omitempty"`
}

func toResponse(s SinkInfo) sinkResponse {
	resp := sinkResponse{
		Name:    s.Name(),
		State:   s.State().String(),
		Pending: s.NumOfPendingMessages(),
		Dropped: s.DroppedMessages(),
	}
	if st, ok := s.(statuser); ok {
		resp.Status = st.Status().String()
	}
	if st, ok := s.(statter); ok {
		resp.Stat = st.Stat()
	}
	return resp
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (h *Handler) listSinks(w http.ResponseWriter, _ *http.Request) {
	out := make([]sinkResponse, 0, len(h.sinks))
	for _, s := range h.sinks {
		out = append(out, toResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sinks": out})
}

func (h *Handler) getSink(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, s := range h.sinks {
		if s.Name() == name {
			writeJSON(w, http.StatusOK, toResponse(s))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "sink not found: " + name})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
