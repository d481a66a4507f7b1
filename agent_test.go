package coedit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// in-process fake of the coordinating agent. implements the five unary
// endpoints plus the watch stream, records every request, and lets tests
// script failures and push frames.
type testAgent struct {
	server *httptest.Server

	mutex sync.Mutex

	failActivate   bool
	failDeactivate bool
	failAttach     bool
	failDetach     bool
	failPushPull   bool

	// when set, push-pull handlers block until the channel is closed
	pushPullGate chan struct{}

	activates   []*ActivateClientArgs
	deactivates []*DeactivateClientArgs
	attaches    []*AttachDocumentArgs
	detaches    []*DetachDocumentArgs
	pushPulls   []*PushPullArgs

	authHeaders []string

	serverSeq uint64

	streams []*testAgentStream
}

type testAgentStream struct {
	request watchRequest

	mutex  sync.Mutex
	ws     *websocket.Conn
	closed bool
}

func (self *testAgentStream) send(frame *watchResponse) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return fmt.Errorf("stream closed")
	}
	return self.ws.WriteJSON(frame)
}

func (self *testAgentStream) sendInitialization(peersMapByDoc map[string][]watchPeer) error {
	return self.send(&watchResponse{
		Initialization: &watchInitialization{
			PeersMapByDoc: peersMapByDoc,
		},
	})
}

func (self *testAgentStream) sendEvent(eventType watchEventType, publisher watchPeer, documentKeys []string) error {
	return self.send(&watchResponse{
		Event: &watchEvent{
			Type:         eventType,
			Publisher:    publisher,
			DocumentKeys: documentKeys,
		},
	})
}

func (self *testAgentStream) close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.closed {
		self.closed = true
		self.ws.Close()
	}
}

func newTestAgent() *testAgent {
	agent := &testAgent{}

	mux := http.NewServeMux()
	mux.HandleFunc("/client/activate", func(w http.ResponseWriter, r *http.Request) {
		args := &ActivateClientArgs{}
		if !agent.decode(w, r, args) {
			return
		}
		agent.mutex.Lock()
		fail := agent.failActivate
		agent.activates = append(agent.activates, args)
		agent.mutex.Unlock()
		if fail {
			http.Error(w, "activate refused", http.StatusInternalServerError)
			return
		}
		clientId := NewId()
		agent.respond(w, &ActivateClientResult{
			ClientId: clientId.Bytes(),
		})
	})
	mux.HandleFunc("/client/deactivate", func(w http.ResponseWriter, r *http.Request) {
		args := &DeactivateClientArgs{}
		if !agent.decode(w, r, args) {
			return
		}
		agent.mutex.Lock()
		fail := agent.failDeactivate
		agent.deactivates = append(agent.deactivates, args)
		agent.mutex.Unlock()
		if fail {
			http.Error(w, "deactivate refused", http.StatusInternalServerError)
			return
		}
		agent.respond(w, &DeactivateClientResult{})
	})
	mux.HandleFunc("/document/attach", func(w http.ResponseWriter, r *http.Request) {
		args := &AttachDocumentArgs{}
		if !agent.decode(w, r, args) {
			return
		}
		agent.mutex.Lock()
		fail := agent.failAttach
		agent.attaches = append(agent.attaches, args)
		agent.serverSeq += 1
		serverSeq := agent.serverSeq
		agent.mutex.Unlock()
		if fail {
			http.Error(w, "attach refused", http.StatusInternalServerError)
			return
		}
		agent.respond(w, &AttachDocumentResult{
			ChangePack: &ChangePack{
				DocumentKey: args.ChangePack.DocumentKey,
				Checkpoint: Checkpoint{
					ServerSeq: serverSeq,
					ClientSeq: args.ChangePack.Checkpoint.ClientSeq,
				},
			},
		})
	})
	mux.HandleFunc("/document/detach", func(w http.ResponseWriter, r *http.Request) {
		args := &DetachDocumentArgs{}
		if !agent.decode(w, r, args) {
			return
		}
		agent.mutex.Lock()
		fail := agent.failDetach
		agent.detaches = append(agent.detaches, args)
		agent.serverSeq += 1
		serverSeq := agent.serverSeq
		agent.mutex.Unlock()
		if fail {
			http.Error(w, "detach refused", http.StatusInternalServerError)
			return
		}
		agent.respond(w, &DetachDocumentResult{
			ChangePack: &ChangePack{
				DocumentKey: args.ChangePack.DocumentKey,
				Checkpoint: Checkpoint{
					ServerSeq: serverSeq,
					ClientSeq: args.ChangePack.Checkpoint.ClientSeq,
				},
			},
		})
	})
	mux.HandleFunc("/document/pushpull", func(w http.ResponseWriter, r *http.Request) {
		args := &PushPullArgs{}
		if !agent.decode(w, r, args) {
			return
		}
		agent.mutex.Lock()
		fail := agent.failPushPull
		gate := agent.pushPullGate
		agent.pushPulls = append(agent.pushPulls, args)
		agent.serverSeq += 1
		serverSeq := agent.serverSeq
		agent.mutex.Unlock()
		if gate != nil {
			<-gate
		}
		if fail {
			http.Error(w, "pushpull refused", http.StatusInternalServerError)
			return
		}
		agent.respond(w, &PushPullResult{
			ChangePack: &ChangePack{
				DocumentKey: args.ChangePack.DocumentKey,
				Checkpoint: Checkpoint{
					ServerSeq: serverSeq,
					ClientSeq: args.ChangePack.Checkpoint.ClientSeq,
				},
			},
		})
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/document/watch", func(w http.ResponseWriter, r *http.Request) {
		agent.mutex.Lock()
		agent.authHeaders = append(agent.authHeaders, r.Header.Get("Authorization"))
		agent.mutex.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		request := watchRequest{}
		if err := ws.ReadJSON(&request); err != nil {
			ws.Close()
			return
		}
		stream := &testAgentStream{
			request: request,
			ws:      ws,
		}
		agent.mutex.Lock()
		agent.streams = append(agent.streams, stream)
		agent.mutex.Unlock()

		// drain until the peer goes away
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		stream.close()
	})

	agent.server = httptest.NewServer(mux)
	return agent
}

func (self *testAgent) decode(w http.ResponseWriter, r *http.Request, args any) bool {
	self.mutex.Lock()
	self.authHeaders = append(self.authHeaders, r.Header.Get("Authorization"))
	self.mutex.Unlock()
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (self *testAgent) respond(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "text/json")
	json.NewEncoder(w).Encode(result)
}

func (self *testAgent) url() string {
	return self.server.URL
}

func (self *testAgent) close() {
	self.mutex.Lock()
	streams := append([]*testAgentStream{}, self.streams...)
	self.mutex.Unlock()
	for _, stream := range streams {
		stream.close()
	}
	self.server.Close()
}

func (self *testAgent) streamCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.streams)
}

func (self *testAgent) stream(i int) *testAgentStream {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.streams[i]
}

func (self *testAgent) pushPullCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pushPulls)
}

func (self *testAgent) setFailPushPull(fail bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failPushPull = fail
}

func (self *testAgent) setPushPullGate(gate chan struct{}) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.pushPullGate = gate
}

// polls until the condition holds or the timeout elapses
func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for {
		if condition() {
			return
		}
		if end.Before(time.Now()) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
