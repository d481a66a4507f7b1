package coedit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/google/uuid"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrClientNotActive = errors.New("client is not active")
var ErrDocumentAlreadyAttached = errors.New("document is already attached")
var ErrDocumentNotAttached = errors.New("document is not attached")

type ClientSettings struct {
	// period between sync loop ticks while the watch stream is connected
	SyncLoopTimeout time.Duration
	// backoff before reopening a lost watch stream.
	// also the sync loop tick while the stream is down, so that a client
	// with no remote-dirty signal does not flood the agent.
	ReconnectStreamTimeout time.Duration

	WsHandshakeTimeout time.Duration
	WsWriteTimeout     time.Duration
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		SyncLoopTimeout:        50 * time.Millisecond,
		ReconnectStreamTimeout: 1000 * time.Millisecond,
		WsHandshakeTimeout:     2 * time.Second,
		WsWriteTimeout:         5 * time.Second,
	}
}

type ClientConfig struct {
	// opaque local key, unique per process instance.
	// defaults to a fresh uuid.
	Key string
	// presence metadata advertised to peers
	Metadata Metadata
	// bearer token attached to every outbound call
	AuthToken string
}

// one end-user session to the coordinating agent.
//
// state transitions are driven solely by successful rpc acknowledgements:
//
//	deactivated --Activate()--> activated
//	activated   --Deactivate()--> deactivated
//
// while activated, two background loops run: the sync loop pushes and pulls
// changes for realtime attachments on a cadence, and the watch loop keeps a
// server-push stream open for peer and change notifications.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	api *AgentApi

	clientKey string
	metadata  Metadata
	authToken string

	settings *ClientSettings

	stateMutex sync.Mutex
	status     ClientStatus
	clientId   Id
	// incremented on each successful activate and deactivate.
	// late rpc results and stream frames from a previous epoch are dropped
	// without mutating state or emitting events.
	epoch       int
	attachments map[string]*attachment

	loopCancel context.CancelFunc

	// single-slot channel posted after each attach/detach. the watch loop
	// drains it before reopening its stream with the new key set.
	watchRestart chan struct{}
	// cancels the currently open watch stream, when one is open
	watchCancel    context.CancelFunc
	watchConnected bool

	eventCallbacks *CallbackList[ClientEventFunction]
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, config *ClientConfig) *Client {
	return NewClient(ctx, apiUrl, config, DefaultClientSettings())
}

func NewClient(ctx context.Context, apiUrl string, config *ClientConfig, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	if config == nil {
		config = &ClientConfig{}
	}
	clientKey := config.Key
	if clientKey == "" {
		clientKey = uuid.NewString()
	}
	metadata := maps.Clone(config.Metadata)
	if metadata == nil {
		metadata = Metadata{}
	}

	api := NewAgentApiWithContext(cancelCtx, apiUrl)
	if config.AuthToken != "" {
		api.SetAuthToken(config.AuthToken)
	}

	return &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		api:            api,
		clientKey:      clientKey,
		metadata:       metadata,
		authToken:      config.AuthToken,
		settings:       settings,
		status:         ClientDeactivated,
		attachments:    map[string]*attachment{},
		watchRestart:   make(chan struct{}, 1),
		eventCallbacks: NewCallbackList[ClientEventFunction](),
	}
}

func (self *Client) Id() Id {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.clientId
}

func (self *Client) Key() string {
	return self.clientKey
}

func (self *Client) Metadata() Metadata {
	return maps.Clone(self.metadata)
}

func (self *Client) Status() ClientStatus {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.status
}

func (self *Client) IsActive() bool {
	return self.Status() == ClientActivated
}

// peer metadata snapshot for an attached document
func (self *Client) Peers(documentKey string) (map[string]Metadata, bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	a, ok := self.attachments[documentKey]
	if !ok {
		return nil, false
	}
	return a.clonePeers(), true
}

func (self *Client) AttachmentKeys() []string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	keys := maps.Keys(self.attachments)
	slices.Sort(keys)
	return keys
}

// hot observable of client events. the returned function unsubscribes.
// subscribers never see events emitted before they subscribed.
func (self *Client) Subscribe(callback ClientEventFunction) func() {
	callbackId := self.eventCallbacks.Add(callback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// synchronous, in-order fan-out. a panicking subscriber does not
// prevent sibling subscribers from receiving the event.
func (self *Client) publishEvent(event *ClientEvent) {
	for _, callback := range self.eventCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

// registers with the agent and starts the background loops.
// idempotent while already activated.
func (self *Client) Activate(ctx context.Context) error {
	self.stateMutex.Lock()
	if self.status == ClientActivated {
		self.stateMutex.Unlock()
		return nil
	}
	self.stateMutex.Unlock()

	callback, c := NewBlockingApiCallback[*ActivateClientResult](ctx)
	self.api.ActivateClient(&ActivateClientArgs{
		ClientKey: self.clientKey,
	}, callback)

	var result *ActivateClientResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-c:
		if r.Error != nil {
			glog.Infof("[ac]activate %s error = %s\n", self.clientKey, r.Error)
			return r.Error
		}
		result = r.Result
	}

	clientId, err := IdFromBytes(result.ClientId)
	if err != nil {
		glog.Infof("[ac]activate %s error = %s\n", self.clientKey, err)
		return err
	}

	self.stateMutex.Lock()
	if self.status == ClientActivated {
		// a concurrent activate won
		self.stateMutex.Unlock()
		return nil
	}
	self.clientId = clientId
	self.status = ClientActivated
	self.epoch += 1
	epoch := self.epoch
	loopCtx, loopCancel := context.WithCancel(self.ctx)
	self.loopCancel = loopCancel
	self.stateMutex.Unlock()

	go self.syncLoop(loopCtx, epoch)
	go self.watchLoop(loopCtx, epoch)

	self.publishEvent(newStatusChangedEvent(ClientActivated))
	return nil
}

// cancels the watch stream, releases the identity with the agent, and stops
// the loops. idempotent while already deactivated. a failed rpc leaves the
// client activated; the watch loop opens a new stream in place of the
// canceled one.
func (self *Client) Deactivate(ctx context.Context) error {
	self.stateMutex.Lock()
	if self.status != ClientActivated {
		self.stateMutex.Unlock()
		return nil
	}
	clientId := self.clientId
	if self.watchCancel != nil {
		self.watchCancel()
		self.watchCancel = nil
	}
	self.stateMutex.Unlock()

	callback, c := NewBlockingApiCallback[*DeactivateClientResult](ctx)
	self.api.DeactivateClient(&DeactivateClientArgs{
		ClientId: clientId.Bytes(),
	}, callback)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-c:
		if r.Error != nil {
			glog.Infof("[dc]deactivate %s error = %s\n", clientId, r.Error)
			return r.Error
		}
	}

	self.stateMutex.Lock()
	if self.status != ClientActivated {
		self.stateMutex.Unlock()
		return nil
	}
	self.status = ClientDeactivated
	self.clientId = Id{}
	self.epoch += 1
	if self.loopCancel != nil {
		self.loopCancel()
		self.loopCancel = nil
	}
	self.watchConnected = false
	self.stateMutex.Unlock()

	self.publishEvent(newStatusChangedEvent(ClientDeactivated))
	return nil
}

// binds the document to this client's identity, exchanges change packs with
// the agent, and starts replicating. with `manualSync` the loops skip the
// document and only explicit `Sync` calls move data.
func (self *Client) Attach(ctx context.Context, document Document, manualSync bool) error {
	self.stateMutex.Lock()
	if self.status != ClientActivated {
		self.stateMutex.Unlock()
		return ErrClientNotActive
	}
	if _, ok := self.attachments[document.Key()]; ok {
		self.stateMutex.Unlock()
		return ErrDocumentAlreadyAttached
	}
	clientId := self.clientId
	epoch := self.epoch
	self.stateMutex.Unlock()

	document.SetActor(clientId)

	pack := document.CreateChangePack()

	callback, c := NewBlockingApiCallback[*AttachDocumentResult](ctx)
	self.api.AttachDocument(&AttachDocumentArgs{
		ClientId:   clientId.Bytes(),
		ChangePack: pack,
	}, callback)

	var result *AttachDocumentResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-c:
		if r.Error != nil {
			glog.Infof("[ad]attach %s %s error = %s\n", clientId, document.Key(), r.Error)
			return r.Error
		}
		result = r.Result
	}

	if result.ChangePack != nil {
		if err := document.ApplyChangePack(result.ChangePack); err != nil {
			glog.Infof("[ad]attach %s %s error = %s\n", clientId, document.Key(), err)
			return err
		}
	}

	self.stateMutex.Lock()
	if self.status != ClientActivated || epoch != self.epoch {
		// deactivated while the rpc was in flight
		self.stateMutex.Unlock()
		return ErrClientNotActive
	}
	self.attachments[document.Key()] = newAttachment(document, !manualSync)
	self.stateMutex.Unlock()

	// resubscribe the watch stream with the new key set
	self.requestWatchRestart()
	return nil
}

// stops replicating the document. the agent acknowledges with a final change
// pack which is applied before the attachment is removed.
func (self *Client) Detach(ctx context.Context, document Document) error {
	self.stateMutex.Lock()
	if self.status != ClientActivated {
		self.stateMutex.Unlock()
		return ErrClientNotActive
	}
	if _, ok := self.attachments[document.Key()]; !ok {
		self.stateMutex.Unlock()
		return ErrDocumentNotAttached
	}
	clientId := self.clientId
	epoch := self.epoch
	self.stateMutex.Unlock()

	pack := document.CreateChangePack()

	callback, c := NewBlockingApiCallback[*DetachDocumentResult](ctx)
	self.api.DetachDocument(&DetachDocumentArgs{
		ClientId:   clientId.Bytes(),
		ChangePack: pack,
	}, callback)

	var result *DetachDocumentResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-c:
		if r.Error != nil {
			glog.Infof("[dd]detach %s %s error = %s\n", clientId, document.Key(), r.Error)
			return r.Error
		}
		result = r.Result
	}

	if result.ChangePack != nil {
		if err := document.ApplyChangePack(result.ChangePack); err != nil {
			glog.Infof("[dd]detach %s %s error = %s\n", clientId, document.Key(), err)
			return err
		}
	}

	self.stateMutex.Lock()
	if self.status != ClientActivated || epoch != self.epoch {
		self.stateMutex.Unlock()
		return ErrClientNotActive
	}
	delete(self.attachments, document.Key())
	self.stateMutex.Unlock()

	self.requestWatchRestart()
	return nil
}

func (self *Client) requestWatchRestart() {
	select {
	case self.watchRestart <- struct{}{}:
	default:
	}
}

// one push-pull per attached document, manual-sync attachments included.
// resolves with the attached documents once all complete. if any sub-sync
// fails, exactly one sync-failed event is published and the first error
// is returned.
func (self *Client) Sync(ctx context.Context) ([]Document, error) {
	self.stateMutex.Lock()
	if self.status != ClientActivated {
		self.stateMutex.Unlock()
		return nil, ErrClientNotActive
	}
	clientId := self.clientId
	epoch := self.epoch
	keys := maps.Keys(self.attachments)
	slices.Sort(keys)
	documents := make([]Document, len(keys))
	for i, key := range keys {
		documents[i] = self.attachments[key].document
	}
	self.stateMutex.Unlock()

	firstErr := self.pushPullAll(ctx, clientId, epoch, documents)
	if firstErr != nil {
		if self.isCurrentEpoch(epoch) {
			self.publishEvent(newDocumentSyncedEvent(DocumentSyncFailed))
		}
		return nil, firstErr
	}
	return documents, nil
}

func (self *Client) Close() {
	self.cancel()
	self.api.Close()
}

func (self *Client) isCurrentEpoch(epoch int) bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.epoch == epoch
}

// issues one push-pull per document concurrently and returns the error of
// the first document (in order) that failed
func (self *Client) pushPullAll(ctx context.Context, clientId Id, epoch int, documents []Document) error {
	if len(documents) == 0 {
		return nil
	}

	errs := make([]error, len(documents))
	wg := sync.WaitGroup{}
	for i, document := range documents {
		wg.Add(1)
		go func(i int, document Document) {
			defer wg.Done()
			errs[i] = self.pushPull(ctx, clientId, epoch, document)
		}(i, document)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// one push-pull exchange for one document. the change pack carries a
// monotone checkpoint, so redelivery after a transient failure is safe.
func (self *Client) pushPull(ctx context.Context, clientId Id, epoch int, document Document) error {
	pack := document.CreateChangePack()
	localSize := pack.ChangeCount()

	doPushPull := func() (*PushPullResult, error) {
		callback, c := NewBlockingApiCallback[*PushPullResult](ctx)
		self.api.PushPull(&PushPullArgs{
			ClientId:   clientId.Bytes(),
			ChangePack: pack,
		}, callback)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-c:
			return r.Result, r.Error
		}
	}

	var result *PushPullResult
	var err error
	if glog.V(2) {
		result, err = TraceWithReturnError(
			fmt.Sprintf("[pp]%s %s local=%d", clientId, document.Key(), localSize),
			doPushPull,
		)
	} else {
		result, err = doPushPull()
	}
	if err != nil {
		glog.Infof("[pp]%s %s error = %s\n", clientId, document.Key(), err)
		return err
	}

	if result.ChangePack != nil {
		if err := document.ApplyChangePack(result.ChangePack); err != nil {
			glog.Infof("[pp]%s %s error = %s\n", clientId, document.Key(), err)
			return err
		}
	}

	// the returned pack is applied either way, but a client deactivated while
	// the rpc was in flight publishes no synced event
	if self.isCurrentEpoch(epoch) {
		self.publishEvent(newDocumentSyncedEvent(DocumentSynced))
	}
	return nil
}

// single cooperative task per activation. each iteration pushes and pulls
// every realtime attachment that has local changes or was marked dirty by
// the watch stream.
func (self *Client) syncLoop(ctx context.Context, epoch int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		self.stateMutex.Lock()
		if self.status != ClientActivated || epoch != self.epoch {
			self.stateMutex.Unlock()
			return
		}
		clientId := self.clientId
		documents := []Document{}
		for _, a := range self.attachments {
			if a.needSync() {
				// cleared before the rpc so that a remote change arriving
				// during the rpc re-triggers a follow-up sync
				a.remoteDirty = false
				documents = append(documents, a.document)
			}
		}
		self.stateMutex.Unlock()

		err := self.pushPullAll(ctx, clientId, epoch, documents)
		if err != nil && self.isCurrentEpoch(epoch) {
			self.publishEvent(newDocumentSyncedEvent(DocumentSyncFailed))
		}

		self.stateMutex.Lock()
		connected := self.watchConnected
		self.stateMutex.Unlock()

		var timeout time.Duration
		if err != nil || !connected {
			// without the watch stream there is no remote-dirty signal.
			// fall back to the slower reconnect cadence.
			timeout = self.settings.ReconnectStreamTimeout
		} else {
			timeout = self.settings.SyncLoopTimeout
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(timeout):
		}
	}
}
