package coedit

import (
	"golang.org/x/exp/maps"
)

// per-document record held in the client's registry while the agent
// acknowledges the document as attached.
// all fields are guarded by the client's state mutex.
type attachment struct {
	document Document

	// when true the sync and watch loops drive this document.
	// when false only explicit `Sync` calls push/pull it.
	realtimeSync bool

	// remote client id (hex) -> advertised metadata
	peerClients map[string]Metadata

	// set by the watch demultiplexer on a documents-changed frame,
	// cleared by the sync loop when a push-pull is initiated
	remoteDirty bool
}

func newAttachment(document Document, realtimeSync bool) *attachment {
	return &attachment{
		document:     document,
		realtimeSync: realtimeSync,
		peerClients:  map[string]Metadata{},
	}
}

func (self *attachment) needSync() bool {
	return self.realtimeSync && (self.document.HasLocalChanges() || self.remoteDirty)
}

func (self *attachment) clonePeers() map[string]Metadata {
	return maps.Clone(self.peerClients)
}
