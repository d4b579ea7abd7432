package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SnapshotEvent is one server-sent projection snapshot
type SnapshotEvent struct {
	Taggables []TaggableResponse `json:"taggables"`
	Total     int                `json:"total"`
	Filter    string             `json:"filter,omitempty"`
}

// streamSnapshots handles GET /api/v1/stream. It serves projection
// snapshots as server-sent events until the client disconnects. Only
// snapshots published after the subscription are delivered.
func (rr *Routes) streamSnapshots(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		rr.writeErrorResponse(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	snapshots, cancel := rr.service.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, open := <-snapshots:
			if !open {
				return
			}

			event := SnapshotEvent{
				Taggables: make([]TaggableResponse, 0, len(snapshot.Entities)),
				Total:     len(snapshot.Entities),
				Filter:    snapshot.Filter,
			}
			for _, entity := range snapshot.Entities {
				event.Taggables = append(event.Taggables, toTaggableResponse(entity))
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
