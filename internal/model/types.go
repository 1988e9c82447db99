package model

import "time"

// Room is one entry of the room directory: a hosted cloud anchor placed for
// a location such as "SCIS 1 GSR 2-4".
type Room struct {
	RoomCode       int64
	Location       string
	DisplayName    string
	HostedAnchorID string
	UpdatedAt      time.Time
}

// Resolvable reports whether the room carries an anchor id to resolve.
func (r Room) Resolvable() bool {
	return r.HostedAnchorID != ""
}

type Mode string

const (
	ModeNone      Mode = "none"
	ModeHosting   Mode = "hosting"
	ModeResolving Mode = "resolving"
)

type MessageLevel string

const (
	MessageInfo  MessageLevel = "info"
	MessageError MessageLevel = "error"
)

// Message is a user-facing notification raised by a host or resolve flow.
type Message struct {
	Level     MessageLevel
	Text      string
	CreatedAt time.Time
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefInvalidEncoding = "E_REF_INVALID_ENCODING"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrFlowBusy           = "E_FLOW_BUSY"
	ErrInternal           = "E_INTERNAL"
)
