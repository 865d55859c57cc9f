package driftmail

import "encoding/json"

// CommerceItem represents a single product in a purchase or cart payload.
// All fields round-trip through local buffering without loss.
type CommerceItem struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Price       float64        `json:"price"`
	Quantity    uint           `json:"quantity"`
	SKU         string         `json:"sku,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	Categories  []string       `json:"categories,omitempty"`
	DataFields  map[string]any `json:"dataFields,omitempty"`
}

// UserScope identifies the user a commerce call applies to.
type UserScope struct {
	UserID          string `json:"userId"`
	PreferUserID    bool   `json:"preferUserId,omitempty"`
	CreateNewFields bool   `json:"createNewFields,omitempty"`
}

// TrackEventRequest is the body for the generic event track endpoint.
type TrackEventRequest struct {
	UserID          string         `json:"userId"`
	EventName       string         `json:"eventName"`
	DataFields      map[string]any `json:"dataFields,omitempty"`
	CreatedAt       int64          `json:"createdAt"`
	CreateNewFields bool           `json:"createNewFields,omitempty"`
}

// TrackPurchaseRequest is the body for the purchase track endpoint.
type TrackPurchaseRequest struct {
	User       UserScope      `json:"user"`
	Total      float64        `json:"total"`
	Items      []CommerceItem `json:"items"`
	DataFields map[string]any `json:"dataFields,omitempty"`
	CreatedAt  int64          `json:"createdAt"`
}

// UpdateCartRequest is the body for the cart update endpoint.
type UpdateCartRequest struct {
	User      UserScope      `json:"user"`
	Items     []CommerceItem `json:"items"`
	CreatedAt int64          `json:"createdAt"`
}

// UpdateUserRequest is the body for the user profile update endpoint.
type UpdateUserRequest struct {
	UserID             string         `json:"userId"`
	DataFields         map[string]any `json:"dataFields"`
	MergeNestedObjects bool           `json:"mergeNestedObjects"`
}

// MergeUsersRequest combines an anonymous source identity into a known
// destination identity on the backend.
type MergeUsersRequest struct {
	SourceEmail       string `json:"sourceEmail,omitempty"`
	SourceUserID      string `json:"sourceUserId,omitempty"`
	DestinationEmail  string `json:"destinationEmail,omitempty"`
	DestinationUserID string `json:"destinationUserId,omitempty"`
}

// RegisterTokenRequest is the body for the device token registration endpoint.
type RegisterTokenRequest struct {
	UserID string      `json:"userId"`
	Device DeviceToken `json:"device"`
}

// DeviceToken is the push token portion of a registration request.
type DeviceToken struct {
	Token string `json:"token"`
}

// User is a backend user profile as returned by the lookup endpoints.
type User struct {
	UserID     string         `json:"userId,omitempty"`
	Email      string         `json:"email,omitempty"`
	DataFields map[string]any `json:"dataFields,omitempty"`
}

// UserResponse wraps a user lookup result.
type UserResponse struct {
	User *User `json:"user"`
}

// APIResponse is the generic acknowledgment body for write endpoints.
type APIResponse struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"msg,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Criteria is one identification rule. It matches when its items match
// according to the active match mode.
type Criteria struct {
	ID    string         `json:"criteriaId"`
	Items []CriteriaItem `json:"criteriaList"`
}

// CriteriaItem is a single condition over buffered events.
// AggregateCount of 0 is treated as 1 by the evaluator.
type CriteriaItem struct {
	EventType      string   `json:"criteriaType"`
	Comparator     string   `json:"comparator,omitempty"`
	Name           string   `json:"name,omitempty"`
	AggregateCount int      `json:"aggregateCount,omitempty"`
	Total          *float64 `json:"total,omitempty"`
}

// CriteriaResponse wraps the criteria fetch result.
type CriteriaResponse struct {
	Criteria []Criteria `json:"criteria"`
}
