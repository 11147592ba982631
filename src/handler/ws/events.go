// Package ws is the real-time transport adapter: it maps the wire event
// surface onto session-hub calls and manages per-session rooms so fanout
// is one marshal per session event regardless of viewer count.
package ws

import (
	encjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client -> server events.
const (
	EvTerminalCreate         = "terminal:create"
	EvTerminalDestroy        = "terminal:destroy"
	EvTerminalRestore        = "terminal:restore"
	EvTerminalInput          = "terminal:input"
	EvTerminalResize         = "terminal:resize"
	EvTerminalRequestHistory = "terminal:request-history"
	EvTerminalReplicaAttach  = "terminal:replica-attach"
	EvTerminalReplicaLeave   = "terminal:replica-leave"
	EvTerminalReplicaInput   = "terminal:replica-input"
	EvTerminalReplicaResize  = "terminal:replica-resize"

	EvTabsGet        = "tabs:get"
	EvTabsAdd        = "tabs:add"
	EvTabsRemove     = "tabs:remove"
	EvTabsRename     = "tabs:rename"
	EvTabsSetSession = "tabs:set-session"

	EvFavoritesGet = "favorites:get"
	EvFavoritesSet = "favorites:set"
	EvCommandsGet  = "commands:get"
	EvCommandsSet  = "commands:set"
)

// Server -> client events.
const (
	EvTerminalCreated        = "terminal:created"
	EvTerminalDestroyed      = "terminal:destroyed"
	EvTerminalRestored       = "terminal:restored"
	EvTerminalHistory        = "terminal:history"
	EvTerminalData           = "terminal:data"
	EvTerminalDimensions     = "terminal:dimensions"
	EvTerminalError          = "terminal:error"
	EvTerminalReplicaHistory = "terminal:replica-history"
	EvTerminalReplicaError   = "terminal:replica-error"

	EvTabsSync      = "tabs:sync"
	EvTabsError     = "tabs:error"
	EvFavoritesSync = "favorites:sync"
	EvCommandsSync  = "commands:sync"
)

// Envelope is the wire frame: an event name plus its payload. Dispatch is
// always on the event tag, never on payload shape.
type Envelope struct {
	Event   string             `json:"event"`
	Payload encjson.RawMessage `json:"payload,omitempty"`
}

// legacyTerminalID stands in when a client omits terminalId, which the
// older single-terminal payload shape did.
const legacyTerminalID = "default"

// CreatePayload asks for a terminal, optionally hinting at a session to
// restore. An absent terminalId selects the legacy single-terminal shape.
type CreatePayload struct {
	TerminalID string `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
	SessionID  string `json:"sessionId,omitempty"`
}

// DestroyPayload tears down one logical terminal.
type DestroyPayload struct {
	TerminalID string `json:"terminalId"`
}

// RestoreEntry is one terminal of a batch restore request.
type RestoreEntry struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId,omitempty"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

// RestorePayload re-binds a reconnecting client to its terminals.
type RestorePayload struct {
	Terminals []RestoreEntry `json:"terminals"`
}

// InputPayload carries keystrokes. Data is base64 so arbitrary PTY bytes
// round-trip the JSON transport intact.
type InputPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

// ResizePayload carries a renderer's dimensions.
type ResizePayload struct {
	TerminalID string `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

// RequestHistoryPayload pulls the scrollback once the client's data
// handler is wired.
type RequestHistoryPayload struct {
	TerminalID string `json:"terminalId"`
}

// ReplicaPayload addresses a session directly, without a terminal id.
type ReplicaPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
}

// CreatedPayload answers terminal:create.
type CreatedPayload struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
	Restored   bool   `json:"restored"`
}

// DestroyedPayload announces a terminal or session teardown.
type DestroyedPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	SessionID  string `json:"sessionId"`
}

// RestoredPayload answers terminal:restore with the per-entry outcome.
type RestoredPayload struct {
	Terminals []CreatedPayload `json:"terminals"`
}

// HistoryPayload replays scrollback plus the effective dimensions.
type HistoryPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	SessionID  string `json:"sessionId"`
	Data       string `json:"data"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

// DataPayload is one live PTY output chunk.
type DataPayload struct {
	TerminalID string `json:"terminalId"`
	SessionID  string `json:"sessionId"`
	Data       string `json:"data"`
}

// DimensionsPayload announces the effective size so replicas can refit
// their renderers.
type DimensionsPayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// ErrorPayload is a typed error event scoped to the originating client.
type ErrorPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Message    string `json:"message"`
}

// TabPayload covers the tab CRUD requests.
type TabPayload struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ItemsPayload covers favorites:set and commands:set.
type ItemsPayload struct {
	Items []encjson.RawMessage `json:"items"`
}
