package coedit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/slices"
)

const WatchBufferSize = 32

type watchEventType string

const (
	watchEventDocumentsWatched   watchEventType = "documents-watched"
	watchEventDocumentsUnwatched watchEventType = "documents-unwatched"
	watchEventDocumentsChanged   watchEventType = "documents-changed"
)

type watchPeer struct {
	// client id in hex
	ClientId string   `json:"client_id"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// first and only frame the client sends on the stream
type watchRequest struct {
	Client       watchPeer `json:"client"`
	DocumentKeys []string  `json:"document_keys"`
}

// a frame is either an initialization (sent once at stream start)
// or an event
type watchResponse struct {
	Initialization *watchInitialization `json:"initialization,omitempty"`
	Event          *watchEvent          `json:"event,omitempty"`
}

type watchInitialization struct {
	// doc key -> peers currently watching it
	PeersMapByDoc map[string][]watchPeer `json:"peers_map_by_doc"`
}

type watchEvent struct {
	Type         watchEventType `json:"type"`
	Publisher    watchPeer      `json:"publisher"`
	DocumentKeys []string       `json:"document_keys"`
}

func wsUrl(apiUrl string) string {
	if after, ok := strings.CutPrefix(apiUrl, "https://"); ok {
		return "wss://" + after
	}
	if after, ok := strings.CutPrefix(apiUrl, "http://"); ok {
		return "ws://" + after
	}
	return apiUrl
}

func (self *Client) realtimeKeys() []string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	keys := []string{}
	for key, a := range self.attachments {
		if a.realtimeSync {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// maintains the long-lived server-push stream for all realtime attachments.
// event-driven, not self-periodic: the loop (re)opens its stream on
// activation, after each attach/detach, and after a disconnect backoff.
// at most one stream is open at any time.
func (self *Client) watchLoop(ctx context.Context, epoch int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !self.isCurrentEpoch(epoch) {
			return
		}

		// drain a pending restart before reopening so the stream always
		// reflects the latest key set
		select {
		case <-self.watchRestart:
		default:
		}

		clientId := self.Id()
		keys := self.realtimeKeys()

		if len(keys) == 0 {
			// no stream needed until the key set changes
			select {
			case <-ctx.Done():
				return
			case <-self.watchRestart:
			}
			continue
		}

		err := self.watchOnce(ctx, epoch, clientId, keys)
		if err == nil {
			// restart requested or canceled. resubscribe immediately.
			continue
		}

		glog.Infof("[w]%s stream error = %s\n", clientId, err)

		if self.isCurrentEpoch(epoch) {
			self.publishEvent(newStreamConnectionStatusEvent(StreamDisconnected))
		}

		reconnect := NewReconnect(self.settings.ReconnectStreamTimeout)
		select {
		case <-ctx.Done():
			return
		case <-self.watchRestart:
			// an attach/detach during the backoff restarts immediately
		case <-reconnect.After():
		}
	}
}

// opens one stream and pumps its frames until the stream ends (returned as
// an error), a restart with a changed key set is requested, or the context
// is canceled (both nil)
func (self *Client) watchOnce(
	ctx context.Context,
	epoch int,
	clientId Id,
	keys []string,
) error {
	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.authToken != "" {
		header.Add("Authorization", "Bearer "+self.authToken)
	}
	ws, _, err := dialer.DialContext(handleCtx, wsUrl(self.api.apiUrl)+"/document/watch", header)
	if err != nil {
		return err
	}

	// let `Deactivate` cancel the open stream synchronously
	self.stateMutex.Lock()
	self.watchCancel = handleCancel
	self.stateMutex.Unlock()

	defer func() {
		ws.Close()
		self.stateMutex.Lock()
		if epoch == self.epoch {
			self.watchCancel = nil
			self.watchConnected = false
		}
		self.stateMutex.Unlock()
	}()

	// unblock the reader when the handle is canceled
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WsWriteTimeout))
	err = ws.WriteJSON(&watchRequest{
		Client: watchPeer{
			ClientId: clientId.Hex(),
			Metadata: self.metadata,
		},
		DocumentKeys: keys,
	})
	if err != nil {
		return err
	}

	frames := make(chan *watchResponse, WatchBufferSize)
	go func() {
		defer close(frames)
		for {
			frame := &watchResponse{}
			if err := ws.ReadJSON(frame); err != nil {
				glog.V(2).Infof("[w]%s<- end = %s\n", clientId, err)
				return
			}
			select {
			case frames <- frame:
			case <-handleCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return nil
		case <-self.watchRestart:
			// an attach/detach that leaves the realtime key set unchanged
			// keeps the current stream
			if slices.Equal(self.realtimeKeys(), keys) {
				continue
			}
			return nil
		case frame, ok := <-frames:
			if !ok {
				return errors.New("stream closed")
			}
			self.handleWatchFrame(epoch, keys, frame)
		}
	}
}

// interprets one stream frame. attachment mutations are applied strictly
// before the corresponding event is published, so a subscriber's view of the
// peer set is consistent with the event payload. frames referencing keys no
// longer in the registry are dropped silently.
func (self *Client) handleWatchFrame(epoch int, keys []string, frame *watchResponse) {
	self.stateMutex.Lock()
	if epoch != self.epoch {
		// deactivated while the frame was queued
		self.stateMutex.Unlock()
		return
	}

	connected := false
	if !self.watchConnected {
		self.watchConnected = true
		connected = true
	}

	if frame.Initialization != nil {
		for documentKey, peers := range frame.Initialization.PeersMapByDoc {
			a, ok := self.attachments[documentKey]
			if !ok {
				continue
			}
			peerClients := map[string]Metadata{}
			for _, peer := range peers {
				peerClients[peer.ClientId] = peer.Metadata
			}
			a.peerClients = peerClients
		}
		payload := map[string]map[string]Metadata{}
		for _, key := range keys {
			if a, ok := self.attachments[key]; ok {
				payload[key] = a.clonePeers()
			}
		}
		self.stateMutex.Unlock()

		if connected {
			self.publishEvent(newStreamConnectionStatusEvent(StreamConnected))
		}
		self.publishEvent(newPeersChangedEvent(payload))
		return
	}

	if frame.Event == nil {
		// unknown frame
		self.stateMutex.Unlock()
		if connected {
			self.publishEvent(newStreamConnectionStatusEvent(StreamConnected))
		}
		return
	}

	event := frame.Event
	affected := []string{}
	payload := map[string]map[string]Metadata{}
	for _, documentKey := range event.DocumentKeys {
		a, ok := self.attachments[documentKey]
		if !ok {
			continue
		}
		switch event.Type {
		case watchEventDocumentsWatched:
			a.peerClients[event.Publisher.ClientId] = event.Publisher.Metadata
			payload[documentKey] = a.clonePeers()
		case watchEventDocumentsUnwatched:
			delete(a.peerClients, event.Publisher.ClientId)
			payload[documentKey] = a.clonePeers()
		case watchEventDocumentsChanged:
			// an edge that wakes the sync loop on its next tick.
			// the frame carries no change data.
			a.remoteDirty = true
		}
		affected = append(affected, documentKey)
	}
	self.stateMutex.Unlock()

	if connected {
		self.publishEvent(newStreamConnectionStatusEvent(StreamConnected))
	}

	if len(affected) == 0 {
		return
	}

	switch event.Type {
	case watchEventDocumentsWatched, watchEventDocumentsUnwatched:
		self.publishEvent(newPeersChangedEvent(payload))
	case watchEventDocumentsChanged:
		self.publishEvent(newDocumentsChangedEvent(affected))
	}
}
