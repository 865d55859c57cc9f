package sandbox

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	driftmail "github.com/driftmail/driftmail-go"
)

// CapturedCall records one tracking call the sandbox received, for test
// assertions and local debugging.
type CapturedCall struct {
	ID     string
	Path   string
	UserID string
	Body   json.RawMessage
}

// Handler is the sandbox API: an in-memory user registry and call log behind
// the platform's HTTP surface.
type Handler struct {
	keyHash string
	logger  *slog.Logger

	mu       sync.Mutex
	users    map[string]*driftmail.User // by userId
	byEmail  map[string]string          // email -> userId
	calls    []CapturedCall
	criteria []driftmail.Criteria
}

// NewHandler creates a sandbox handler. keyHash is the Argon2id hash of the
// accepted API key.
func NewHandler(keyHash string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		keyHash: keyHash,
		logger:  logger.With("component", "sandbox"),
		users:   make(map[string]*driftmail.User),
		byEmail: make(map[string]string),
	}
}

// Routes builds the chi router for the sandbox API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(APIKeyAuth(h.keyHash, h.logger))

		r.Post("/events/track", h.trackEvent)
		r.Post("/commerce/trackPurchase", h.trackPurchase)
		r.Post("/commerce/updateCart", h.updateCart)
		r.Post("/users/update", h.updateUser)
		r.Post("/users/merge", h.mergeUsers)
		r.Post("/users/registerDeviceToken", h.registerToken)
		r.Get("/users/byUserId", h.userByID)
		r.Get("/users/byEmail", h.userByEmail)
		r.Get("/anonymoususer/criteria", h.getCriteria)
	})

	return r
}

// Calls returns a copy of the captured tracking calls.
func (h *Handler) Calls() []CapturedCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CapturedCall(nil), h.calls...)
}

// SetCriteria sets the criteria served by the criteria endpoint.
func (h *Handler) SetCriteria(criteria []driftmail.Criteria) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.criteria = append([]driftmail.Criteria(nil), criteria...)
}

// SeedUser registers a user in the sandbox registry.
func (h *Handler) SeedUser(user driftmail.User) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.putUserLocked(&user)
}

// User returns a registered user by id.
func (h *Handler) User(userID string) (driftmail.User, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[userID]
	if !ok {
		return driftmail.User{}, false
	}
	return *u, true
}

func (h *Handler) putUserLocked(user *driftmail.User) {
	if user.UserID != "" {
		h.users[user.UserID] = user
	}
	if user.Email != "" {
		h.byEmail[user.Email] = user.UserID
	}
}

func (h *Handler) ensureUserLocked(userID string) *driftmail.User {
	if u, ok := h.users[userID]; ok {
		return u
	}
	u := &driftmail.User{UserID: userID, DataFields: map[string]any{}}
	h.users[userID] = u
	return u
}

func (h *Handler) capture(r *http.Request, userID string, body json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, CapturedCall{
		ID:     ulid.Make().String(),
		Path:   r.URL.Path,
		UserID: userID,
		Body:   body,
	})
}

func (h *Handler) trackEvent(w http.ResponseWriter, r *http.Request) {
	var req driftmail.TrackEventRequest
	raw, ok := decode(w, r, &req)
	if !ok {
		return
	}
	if req.EventName == "" {
		writeError(w, http.StatusBadRequest, "InvalidEventName", "eventName is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "InvalidUserId", "userId is required")
		return
	}

	h.mu.Lock()
	h.ensureUserLocked(req.UserID)
	h.mu.Unlock()

	h.capture(r, req.UserID, raw)
	writeJSON(w, http.StatusOK, driftmail.APIResponse{Code: "Success"})
}

func (h *Handler) trackPurchase(w http.ResponseWriter, r *http.Request) {
	var req driftmail.TrackPurchaseRequest
	raw, ok := decode(w, r, &req)
	if !ok {
		return
	}
	if req.User.UserID == "" {
		writeError(w, http.StatusBadRequest, "InvalidUserId", "user.userId is required")
		return
	}

	h.mu.Lock()
	h.ensureUserLocked(req.User.UserID)
	h.mu.Unlock()

	h.capture(r, req.User.UserID, raw)
	writeJSON(w, http.StatusOK, driftmail.APIResponse{Code: "Success"})
}

func (h *Handler) updateCart(w http.ResponseWriter, r *http.Request) {
	var req driftmail.UpdateCartRequest
	raw, ok := decode(w, r, &req)
	if !ok {
		return
	}
	if req.User.UserID == "" {
		writeError(w, http.StatusBadRequest, "InvalidUserId", "user.userId is required")
		return
	}

	h.mu.Lock()
	h.ensureUserLocked(req.User.UserID)
	h.mu.Unlock()

	h.capture(r, req.User.UserID, raw)
	writeJSON(w, http.StatusOK, driftmail.APIResponse{Code: "Success"})
}

func (h *Handler) updateUser(w http.ResponseWriter, r *http.Request) {
	var req driftmail.UpdateUserRequest
	raw, ok := decode(w, r, &req)
	if !ok {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "InvalidUserId", "userId is required")
		return
	}

	h.mu.Lock()
	user := h.ensureUserLocked(req.UserID)
	if req.MergeNestedObjects {
		mergeDataFields(user.DataFields, req.DataFields)
	} else {
		user.DataFields = req.DataFields
	}
	h.mu.Unlock()

	h.capture(r, req.UserID, raw)
	writeJSON(w, http.StatusOK, driftmail.APIResponse{Code: "Success"})
}

func (h *Handler) mergeUsers(w http.ResponseWriter, r *http.Request) {
	var req driftmail.MergeUsersRequest
	raw, ok := decode(w, r, &req)
	if !ok {
		return
	}
	if req.SourceUserID == "" && req.SourceEmail == "" {
		writeError(w, http.StatusBadRequest, "InvalidMerge", "source identity is required")
		return
	}
	if req.DestinationUserID == "" && req.DestinationEmail == "" {
		writeError(w, http.StatusBadRequest, "InvalidMerge", "destination identity is required")
		return
	}

	h.mu.Lock()
	destID := req.DestinationUserID
	if destID == "" {
		destID = h.byEmail[req.DestinationEmail]
	}
	dest, ok := h.users[destID]
	if !ok {
		h.mu.Unlock()
		writeError(w, http.StatusBadRequest, "UnknownUser", "destination user not found")
		return
	}

	sourceID := req.SourceUserID
	if sourceID == "" {
		sourceID = h.byEmail[req.SourceEmail]
	}
	if source, ok := h.users[sourceID]; ok && sourceID != destID {
		mergeDataFields(dest.DataFields, source.DataFields)
		delete(h.users, sourceID)
		if source.Email != "" {
			delete(h.byEmail, source.Email)
		}
	}
	h.mu.Unlock()

	h.capture(r, destID, raw)
	writeJSON(w, http.StatusOK, driftmail.APIResponse{Code: "Success"})
}

func (h *Handler) registerToken(w http.ResponseWriter, r *http.Request) {
	var req driftmail.RegisterTokenRequest
	raw, ok := decode(w, r, &req)
	if !ok {
		return
	}
	if req.Device.Token == "" {
		writeError(w, http.StatusBadRequest, "InvalidToken", "device.token is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "InvalidUserId", "userId is required")
		return
	}

	h.mu.Lock()
	h.ensureUserLocked(req.UserID)
	h.mu.Unlock()

	h.capture(r, req.UserID, raw)
	writeJSON(w, http.StatusOK, driftmail.APIResponse{Code: "Success"})
}

func (h *Handler) userByID(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	h.mu.Lock()
	user, ok := h.users[userID]
	var copied driftmail.User
	if ok {
		copied = *user
	}
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "UnknownUser", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, driftmail.UserResponse{User: &copied})
}

func (h *Handler) userByEmail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	h.mu.Lock()
	user, ok := h.users[h.byEmail[email]]
	var copied driftmail.User
	if ok {
		copied = *user
	}
	h.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "UnknownUser", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, driftmail.UserResponse{User: &copied})
}

func (h *Handler) getCriteria(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	criteria := append([]driftmail.Criteria(nil), h.criteria...)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, driftmail.CriteriaResponse{Criteria: criteria})
}

// mergeDataFields merges src into dst, recursing one level into nested maps.
func mergeDataFields(dst, src map[string]any) {
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				for nk, nv := range nested {
					existing[nk] = nv
				}
				continue
			}
		}
		dst[k] = v
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) (json.RawMessage, bool) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidJson", "malformed request body")
		return nil, false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidJson", "unexpected request shape")
		return nil, false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, driftmail.APIResponse{Code: code, Message: msg})
}
