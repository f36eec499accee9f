package bus

import "time"

// Event kinds published by the daemon components.
const (
	// KindTransportUpdates carries a []event.Update batch from the transport.
	KindTransportUpdates = "transport.updates"
	// KindStoreSaved carries a store.Changes after a context commits.
	KindStoreSaved = "store.saved"
	// KindBatchApplied carries a sync.BatchSummary after reconciliation.
	KindBatchApplied = "sync.batch_applied"
	// KindMessageSendFailed carries the nonce of a message whose send failed.
	KindMessageSendFailed = "outbox.send_failed"
	// KindStatusChanged carries a status.StatusChange.
	KindStatusChanged = "session.status_changed"

	KindConnected     = "session.connected"
	KindDisconnected  = "session.disconnected"
	KindLoggedOut     = "session.logged_out"
	KindQRGenerated   = "session.qr_generated"
	KindAuthenticated = "session.authenticated"
	KindAuthFailed    = "session.auth_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
