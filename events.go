package coedit

// typed session events fanned out to subscribers.
// delivery is synchronous and in-order on the publisher's goroutine;
// a subscriber never sees events emitted before it subscribed.

type ClientStatus string

const (
	ClientDeactivated ClientStatus = "deactivated"
	ClientActivated   ClientStatus = "activated"
)

type StreamStatus string

const (
	StreamConnected    StreamStatus = "connected"
	StreamDisconnected StreamStatus = "disconnected"
)

type SyncStatus string

const (
	DocumentSynced     SyncStatus = "synced"
	DocumentSyncFailed SyncStatus = "sync-failed"
)

type ClientEventType string

const (
	EventStatusChanged          ClientEventType = "status-changed"
	EventDocumentsChanged       ClientEventType = "documents-changed"
	EventPeersChanged           ClientEventType = "peers-changed"
	EventStreamConnectionStatus ClientEventType = "stream-connection-status-changed"
	EventDocumentSynced         ClientEventType = "document-synced"
)

// tagged union. `Type` selects which of the payload fields is meaningful.
type ClientEvent struct {
	Type ClientEventType

	// EventStatusChanged
	Status ClientStatus

	// EventDocumentsChanged
	DocumentKeys []string

	// EventPeersChanged. doc key -> peer id (hex) -> metadata
	Peers map[string]map[string]Metadata

	// EventStreamConnectionStatus
	StreamStatus StreamStatus

	// EventDocumentSynced
	SyncStatus SyncStatus
}

func newStatusChangedEvent(status ClientStatus) *ClientEvent {
	return &ClientEvent{
		Type:   EventStatusChanged,
		Status: status,
	}
}

func newDocumentsChangedEvent(documentKeys []string) *ClientEvent {
	return &ClientEvent{
		Type:         EventDocumentsChanged,
		DocumentKeys: documentKeys,
	}
}

func newPeersChangedEvent(peers map[string]map[string]Metadata) *ClientEvent {
	return &ClientEvent{
		Type:  EventPeersChanged,
		Peers: peers,
	}
}

func newStreamConnectionStatusEvent(streamStatus StreamStatus) *ClientEvent {
	return &ClientEvent{
		Type:         EventStreamConnectionStatus,
		StreamStatus: streamStatus,
	}
}

func newDocumentSyncedEvent(syncStatus SyncStatus) *ClientEvent {
	return &ClientEvent{
		Type:       EventDocumentSynced,
		SyncStatus: syncStatus,
	}
}

type ClientEventFunction func(event *ClientEvent)
