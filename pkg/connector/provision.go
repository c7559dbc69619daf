// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/storage"
)

// ProvisioningAPI exposes feed management over HTTP for external tooling,
// alongside the Prometheus metrics endpoint.
type ProvisioningAPI struct {
	store     storage.Store
	scheduler *FeedScheduler
	log       zerolog.Logger
}

// NewProvisioningAPI creates the API.
func NewProvisioningAPI(store storage.Store, scheduler *FeedScheduler, log zerolog.Logger) *ProvisioningAPI {
	return &ProvisioningAPI{
		store:     store,
		scheduler: scheduler,
		log:       log.With().Str("component", "provisioning").Logger(),
	}
}

// Mux returns the HTTP handler tree for the provisioning listener.
func (p *ProvisioningAPI) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/timeline/add", p.HandleTimelineAdd)
	mux.HandleFunc("/api/timeline/remove", p.HandleTimelineRemove)
	mux.HandleFunc("/api/hashtag/add", p.HandleHashtagAdd)
	mux.HandleFunc("/api/hashtag/remove", p.HandleHashtagRemove)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type feedRequest struct {
	RoomID    string `json:"room_id"`
	TwitterID string `json:"twitter_id,omitempty"`
	Hashtag   string `json:"hashtag,omitempty"`
}

func (p *ProvisioningAPI) decode(w http.ResponseWriter, r *http.Request, req *feedRequest) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func (p *ProvisioningAPI) respond(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		var valErr *ValidationError
		if errors.As(err, &valErr) {
			w.WriteHeader(http.StatusBadRequest)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// HandleTimelineAdd subscribes a room to a user timeline feed.
func (p *ProvisioningAPI) HandleTimelineAdd(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if !p.decode(w, r, &req) {
		return
	}
	roomID := id.RoomID(req.RoomID)
	added, err := p.scheduler.AddTimeline(req.TwitterID, roomID, false)
	if err == nil && !added {
		err = &ValidationError{Field: "feed", Value: "timeline", Reason: "timeline polling is disabled"}
	}
	if err == nil {
		err = p.store.PutRoomLink(r.Context(), &storage.RoomLink{
			RoomID:   roomID,
			Type:     RoomTypeTimeline,
			RemoteID: req.TwitterID,
		})
	}
	p.respond(w, err)
}

// HandleTimelineRemove drops a room's timeline subscription.
func (p *ProvisioningAPI) HandleTimelineRemove(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if !p.decode(w, r, &req) {
		return
	}
	roomID := id.RoomID(req.RoomID)
	p.scheduler.RemoveTimeline(req.TwitterID, roomID)
	p.respond(w, p.store.DeleteRoomLink(r.Context(), roomID, RoomTypeTimeline, req.TwitterID))
}

// HandleHashtagAdd subscribes a room to a hashtag feed.
func (p *ProvisioningAPI) HandleHashtagAdd(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if !p.decode(w, r, &req) {
		return
	}
	roomID := id.RoomID(req.RoomID)
	tag := normalizeHashtag(req.Hashtag)
	added, err := p.scheduler.AddHashtag(tag, roomID, false)
	if err == nil && !added {
		err = &ValidationError{Field: "feed", Value: "hashtag", Reason: "hashtag polling is disabled"}
	}
	if err == nil {
		err = p.store.PutRoomLink(r.Context(), &storage.RoomLink{
			RoomID:   roomID,
			Type:     RoomTypeHashtag,
			RemoteID: tag,
		})
	}
	p.respond(w, err)
}

// HandleHashtagRemove drops a room's hashtag subscription.
func (p *ProvisioningAPI) HandleHashtagRemove(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if !p.decode(w, r, &req) {
		return
	}
	roomID := id.RoomID(req.RoomID)
	tag := normalizeHashtag(req.Hashtag)
	p.scheduler.RemoveHashtag(tag, roomID)
	p.respond(w, p.store.DeleteRoomLink(r.Context(), roomID, RoomTypeHashtag, tag))
}
