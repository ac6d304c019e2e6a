// Package events defines the notifications published by protocol engines and
// the bus that fans them out to the audit log, telemetry and the admin API.
package events

import "time"

// EventType identifies what happened.
type EventType string

const (
	// Session events
	EventUserLoggedIn  EventType = "user_logged_in"
	EventUserLoggedOut EventType = "user_logged_out"

	// Transfer events
	EventUploadCompleted   EventType = "upload_completed"
	EventDownloadStarted   EventType = "download_started"
	EventDownloadCompleted EventType = "download_completed"
	EventListingSent       EventType = "listing_sent"
	EventFileDeleted       EventType = "file_deleted"

	// Error reported to a peer
	EventErrorSent EventType = "error_sent"

	// Store health
	EventLowDiskSpace EventType = "low_disk_space"

	// System events
	EventShutdown EventType = "shutdown"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []EventType{
	EventUserLoggedIn,
	EventUserLoggedOut,
	EventUploadCompleted,
	EventDownloadStarted,
	EventDownloadCompleted,
	EventListingSent,
	EventFileDeleted,
	EventErrorSent,
	EventLowDiskSpace,
	EventShutdown,
}

// Event is a single notification.
type Event struct {
	Type      EventType   `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// SessionPayload accompanies login and logout events.
type SessionPayload struct {
	ConnID   int    `json:"conn_id"`
	Username string `json:"username"`
	Remote   string `json:"remote,omitempty"`
}

// FilePayload accompanies transfer and deletion events.
type FilePayload struct {
	ConnID   int    `json:"conn_id"`
	Username string `json:"username"`
	Filename string `json:"filename"`
	Bytes    int    `json:"bytes"`
	Blocks   int    `json:"blocks,omitempty"`
}

// ErrorPayload accompanies EventErrorSent.
type ErrorPayload struct {
	ConnID   int    `json:"conn_id"`
	Username string `json:"username,omitempty"`
	Opcode   string `json:"opcode"`
	Code     uint16 `json:"code"`
	Message  string `json:"message"`
}

// DiskPayload accompanies EventLowDiskSpace.
type DiskPayload struct {
	Path      string  `json:"path"`
	FreeMB    uint64  `json:"free_mb"`
	MinFreeMB uint64  `json:"min_free_mb"`
	UsedPct   float64 `json:"used_percent"`
}
