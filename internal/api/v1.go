package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type BuildingItem struct {
	Name      string   `json:"name"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Rooms     []string `json:"rooms"`
}

type BuildingsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Buildings     []BuildingItem `json:"buildings"`
}

type LocateResponse struct {
	SchemaVersion  string    `json:"schema_version"`
	GeneratedAt    time.Time `json:"generated_at"`
	Building       string    `json:"building"`
	DistanceMeters float64   `json:"distance_meters"`
	Inside         bool      `json:"inside"`
	// Navigation is "ar" inside the geofence and "map" outside it.
	Navigation string `json:"navigation"`
}

type RoomItem struct {
	RoomCode       int64  `json:"room_code"`
	Location       string `json:"location"`
	DisplayName    string `json:"display_name"`
	HostedAnchorID string `json:"hosted_anchor_id,omitempty"`
	Building       string `json:"building,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

type RoomsEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Location      string     `json:"location,omitempty"`
	Rooms         []RoomItem `json:"rooms"`
}

type RoomResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Room          RoomItem  `json:"room"`
}

type RoomCodeResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	RoomCode      int64     `json:"room_code"`
}

type StoreRoomRequest struct {
	Location       string `json:"location"`
	HostedAnchorID string `json:"hosted_anchor_id"`
}

type HostRequest struct {
	Location string `json:"location,omitempty"`
}

// PlaceRequest is a pose: translation in metres and an optional rotation
// quaternion. A zero quaternion means identity.
type PlaceRequest struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	QW float64 `json:"qw,omitempty"`
	QX float64 `json:"qx,omitempty"`
	QY float64 `json:"qy,omitempty"`
	QZ float64 `json:"qz,omitempty"`
}

type PlaceResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Handle        string    `json:"handle"`
}

// ResolveRequest names either a location or a single room code.
type ResolveRequest struct {
	Location string `json:"location,omitempty"`
	RoomCode int64  `json:"room_code,omitempty"`
}

type StatusResponse struct {
	SchemaVersion   string    `json:"schema_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Mode            string    `json:"mode"`
	RoomCode        int64     `json:"room_code,omitempty"`
	Location        string    `json:"location,omitempty"`
	Placed          bool      `json:"placed,omitempty"`
	Anchors         int       `json:"anchors"`
	PendingHost     int       `json:"pending_host"`
	PendingResolve  int       `json:"pending_resolve"`
	ResolveDeadline *string   `json:"resolve_deadline,omitempty"`
	Frames          int64     `json:"frames"`
	FrameFailures   int64     `json:"frame_failures"`
	Watchers        int       `json:"watchers"`
}

type AnchorItem struct {
	Handle        string      `json:"handle"`
	CloudAnchorID string      `json:"cloud_anchor_id,omitempty"`
	CloudState    string      `json:"cloud_state"`
	Tracking      string      `json:"tracking"`
	Visible       bool        `json:"visible"`
	Position      [3]float64  `json:"position"`
	Transform     [16]float64 `json:"transform"`
}

type AnchorsEnvelope struct {
	SchemaVersion string       `json:"schema_version"`
	GeneratedAt   time.Time    `json:"generated_at"`
	Anchors       []AnchorItem `json:"anchors"`
}

type MessageItem struct {
	Level     string `json:"level"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

type MessagesEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Current       *MessageItem  `json:"current,omitempty"`
	Messages      []MessageItem `json:"messages"`
}
