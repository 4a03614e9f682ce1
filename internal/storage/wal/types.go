package wal

import "github.com/ChuLiYu/oddsfeed-recovery/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the producer journal
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventAliveConfirmed EventType = "ALIVE_CONFIRMED" // Producer confirmed alive at AliveMs
	EventStatusChange   EventType = "STATUS_CHANGE"   // Producer moved to Status
)

// Event represents a WAL event record
type Event struct {
	Seq        uint64               `json:"seq"`                // Event sequence number (monotonically increasing)
	Type       EventType            `json:"type"`               // Event type
	ProducerID types.ProducerID     `json:"producer"`           // Producer the event belongs to
	Status     types.RecoveryStatus `json:"status,omitempty"`   // New status (STATUS_CHANGE)
	AliveMs    int64                `json:"alive_ms,omitempty"` // Confirmed alive, Unix ms (ALIVE_CONFIRMED)
	Timestamp  int64                `json:"timestamp"`          // Unix millisecond write time
	Checksum   uint32               `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to producer state
type EventHandler func(event Event) error
