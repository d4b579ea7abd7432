package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clouddeck/tagsync-server/internal/taggable"
	"github.com/clouddeck/tagsync-server/internal/tagservice"
)

// Response models for API consistency

// RegionResponse represents one configured region
type RegionResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Icon        string `json:"icon,omitempty"`
}

// TaggableResponse represents one entity in API responses
type TaggableResponse struct {
	GUID   string            `json:"guid"`
	Type   string            `json:"type"`
	Name   string            `json:"name"`
	Region string            `json:"region"`
	Tags   []string          `json:"tags"`
	Links  map[string]string `json:"links,omitempty"`
}

// ListTaggablesResponse represents the entity list response
type ListTaggablesResponse struct {
	Taggables []TaggableResponse `json:"taggables"`
	Total     int                `json:"total"`
	Filter    string             `json:"filter,omitempty"`
}

// TagsRequest carries a full tag replacement for one entity
type TagsRequest struct {
	Tags []string `json:"tags"`
}

// FilterRequest carries a filter expression change
type FilterRequest struct {
	Text string `json:"text"`
}

// TokenRequest carries a new API bearer token
type TokenRequest struct {
	Token string `json:"token"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes defines the routes of the API with dependency injection
type Routes struct {
	service Service
}

// NewRoutes creates a new Routes instance with the provided service
func NewRoutes(svc Service) *Routes {
	return &Routes{service: svc}
}

// Router creates a new router for the API
func Router(svc Service) http.Handler {
	routes := NewRoutes(svc)

	r := chi.NewRouter()

	r.Get("/regions", routes.listRegions)

	r.Route("/taggables", func(r chi.Router) {
		r.Get("/", routes.listTaggables)
		r.Get("/{guid}", routes.getTaggable)
		r.Put("/{guid}/tags", routes.replaceTags)
	})

	r.Get("/tags", routes.listKnownTags)

	r.Get("/filter", routes.getFilter)
	r.Put("/filter", routes.setFilter)

	r.Post("/refresh", routes.triggerRefresh)

	r.Put("/token", routes.setToken)

	r.Route("/apps/{guid}", func(r chi.Router) {
		r.Post("/start", routes.startApp)
		r.Post("/stop", routes.stopApp)
		r.Delete("/instances/0", routes.killFirstInstance)
	})

	r.Get("/stream", routes.streamSnapshots)

	return r
}

// listRegions handles GET /api/v1/regions
func (rr *Routes) listRegions(w http.ResponseWriter, _ *http.Request) {
	regions := rr.service.Regions()
	response := make([]RegionResponse, 0, len(regions))
	for _, reg := range regions {
		response = append(response, RegionResponse{
			ID:          reg.ID,
			DisplayName: reg.DisplayName,
			Icon:        reg.Icon,
		})
	}
	rr.writeJSONResponse(w, response)
}

// listTaggables handles GET /api/v1/taggables. Without parameters it
// returns the current filtered set; a "q" parameter evaluates a transient
// expression instead, optionally restricted by "type".
func (rr *Routes) listTaggables(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var entities []*taggable.Taggable
	filterText := rr.service.Filter()

	if query.Has("q") {
		filterText = query.Get("q")
	}

	switch {
	case query.Has("type"):
		entityType := taggable.NormalizeType(query.Get("type"))
		if !entityType.Known() {
			rr.writeErrorResponse(w, "Unknown taggable type", http.StatusBadRequest)
			return
		}
		entities = rr.service.FilteredMatchingByType(entityType, filterText)
	case query.Has("q"):
		entities = rr.service.FilteredMatching(filterText)
	default:
		entities = rr.service.Filtered()
	}

	response := ListTaggablesResponse{
		Taggables: make([]TaggableResponse, 0, len(entities)),
		Total:     len(entities),
		Filter:    filterText,
	}
	for _, entity := range entities {
		response.Taggables = append(response.Taggables, toTaggableResponse(entity))
	}
	rr.writeJSONResponse(w, response)
}

// getTaggable handles GET /api/v1/taggables/{guid}
func (rr *Routes) getTaggable(w http.ResponseWriter, r *http.Request) {
	entity := rr.service.Taggable(chi.URLParam(r, "guid"))
	if entity == nil {
		rr.writeErrorResponse(w, "Taggable not found", http.StatusNotFound)
		return
	}
	rr.writeJSONResponse(w, toTaggableResponse(entity))
}

// replaceTags handles PUT /api/v1/taggables/{guid}/tags
func (rr *Routes) replaceTags(w http.ResponseWriter, r *http.Request) {
	var req TagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entity, err := rr.service.ReplaceTags(r.Context(), chi.URLParam(r, "guid"), req.Tags)
	if errors.Is(err, tagservice.ErrUnknownTaggable) {
		rr.writeErrorResponse(w, "Taggable not found", http.StatusNotFound)
		return
	}
	if err != nil {
		rr.writeErrorResponse(w, "Failed to save taggable", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, toTaggableResponse(entity))
}

// listKnownTags handles GET /api/v1/tags
func (rr *Routes) listKnownTags(w http.ResponseWriter, r *http.Request) {
	tags, err := rr.service.KnownTags(r.Context())
	if err != nil {
		rr.writeErrorResponse(w, "Failed to list tags", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, map[string][]string{"tags": tags})
}

// getFilter handles GET /api/v1/filter
func (rr *Routes) getFilter(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, FilterRequest{Text: rr.service.Filter()})
}

// setFilter handles PUT /api/v1/filter
func (rr *Routes) setFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rr.service.SetFilter(req.Text)
	w.WriteHeader(http.StatusNoContent)
}

// triggerRefresh handles POST /api/v1/refresh. The refresh runs in the
// background; a refresh already in flight yields 409.
func (rr *Routes) triggerRefresh(w http.ResponseWriter, _ *http.Request) {
	if rr.service.Refreshing() {
		rr.writeErrorResponse(w, "A refresh is already in flight", http.StatusConflict)
		return
	}

	go func() {
		// Errors surface on the service error stream.
		_ = rr.service.Refresh(context.Background())
	}()

	w.WriteHeader(http.StatusAccepted)
}

// setToken handles PUT /api/v1/token
func (rr *Routes) setToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := rr.service.SetToken(req.Token); err != nil {
		rr.writeErrorResponse(w, "Failed to persist token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// startApp handles POST /api/v1/apps/{guid}/start
func (rr *Routes) startApp(w http.ResponseWriter, r *http.Request) {
	rr.runAppOperation(w, rr.service.StartApp, r, chi.URLParam(r, "guid"))
}

// stopApp handles POST /api/v1/apps/{guid}/stop
func (rr *Routes) stopApp(w http.ResponseWriter, r *http.Request) {
	rr.runAppOperation(w, rr.service.StopApp, r, chi.URLParam(r, "guid"))
}

// killFirstInstance handles DELETE /api/v1/apps/{guid}/instances/0
func (rr *Routes) killFirstInstance(w http.ResponseWriter, r *http.Request) {
	rr.runAppOperation(w, rr.service.KillFirstAppInstance, r, chi.URLParam(r, "guid"))
}

func (rr *Routes) runAppOperation(
	w http.ResponseWriter,
	op func(ctx context.Context, guid string) error,
	r *http.Request,
	guid string,
) {
	if err := op(r.Context(), guid); err != nil {
		if errors.Is(err, tagservice.ErrRefreshInFlight) {
			rr.writeErrorResponse(w, err.Error(), http.StatusConflict)
			return
		}
		rr.writeErrorResponse(w, "Application operation failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func toTaggableResponse(entity *taggable.Taggable) TaggableResponse {
	response := TaggableResponse{
		GUID:   entity.GUID(),
		Type:   string(entity.Type),
		Name:   entity.Name(),
		Region: entity.Region,
		Tags:   entity.Tags,
	}
	if response.Tags == nil {
		response.Tags = []string{}
	}
	for _, link := range entity.Links() {
		if response.Links == nil {
			response.Links = map[string]string{}
		}
		response.Links[string(link.Name)] = link.GUID
	}
	return response
}

func (*Routes) writeJSONResponse(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
