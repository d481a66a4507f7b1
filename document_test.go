package coedit

import (
	"encoding/json"
	"fmt"
	"sync"
)

// scriptable stand-in for the document engine
type testDocument struct {
	mutex sync.Mutex

	key        string
	actorId    Id
	checkpoint Checkpoint

	pending []json.RawMessage

	createdPacks int
	appliedPacks []*ChangePack
}

func newTestDocument(key string) *testDocument {
	return &testDocument{
		key: key,
	}
}

// queues one local unsynced change
func (self *testDocument) edit(op string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	change, _ := json.Marshal(map[string]string{"op": op})
	self.pending = append(self.pending, change)
}

func (self *testDocument) SetActor(actorId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.actorId = actorId
}

func (self *testDocument) actor() Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.actorId
}

func (self *testDocument) Key() string {
	return self.key
}

func (self *testDocument) DocumentKey() DocumentKey {
	return DocumentKey{
		Document: self.key,
	}
}

func (self *testDocument) CreateChangePack() *ChangePack {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.createdPacks += 1
	changes := self.pending
	self.pending = nil
	return &ChangePack{
		DocumentKey: DocumentKey{
			Document: self.key,
		},
		Checkpoint: self.checkpoint,
		Changes:    changes,
	}
}

func (self *testDocument) ApplyChangePack(pack *ChangePack) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if pack == nil {
		return fmt.Errorf("nil change pack")
	}
	self.checkpoint = self.checkpoint.Forward(pack.Checkpoint)
	self.appliedPacks = append(self.appliedPacks, pack)
	return nil
}

func (self *testDocument) HasLocalChanges() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < len(self.pending)
}

func (self *testDocument) appliedPackCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.appliedPacks)
}

func (self *testDocument) currentCheckpoint() Checkpoint {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.checkpoint
}
