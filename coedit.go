package coedit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// client coordination core for the codocs agent.
// a `Client` represents one end-user session to a central coordinating agent
// and drives replication of attached documents between the local editor and
// remote peers. the document engine itself is an external collaborator,
// consumed through the `Document` interface below.

// zero id, held while the agent has not assigned a client id
var NoClientId = Id{}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

// compact form used as the peer key in presence maps
func (self Id) Hex() string {
	return hex.EncodeToString(self[0:16])
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// presence metadata advertised to peers, e.g. display name and cursor color
type Metadata map[string]string

// comparable
type DocumentKey struct {
	Collection string `json:"collection,omitempty"`
	Document   string `json:"document"`
}

func (self DocumentKey) String() string {
	if self.Collection == "" {
		return self.Document
	}
	return fmt.Sprintf("%s/%s", self.Collection, self.Document)
}

// monotone cursor marking the last mutually acknowledged position of a
// document's change history
type Checkpoint struct {
	ServerSeq uint64 `json:"server_seq"`
	ClientSeq uint32 `json:"client_seq"`
}

func (self Checkpoint) Forward(other Checkpoint) Checkpoint {
	next := self
	if next.ServerSeq < other.ServerSeq {
		next.ServerSeq = other.ServerSeq
	}
	if next.ClientSeq < other.ClientSeq {
		next.ClientSeq = other.ClientSeq
	}
	return next
}

// an opaque batch of document operations plus a checkpoint, exchanged with
// the agent. the core never looks inside `Changes`; the engine owns the
// encoding. the checkpoint makes push-pull idempotent at the protocol level.
type ChangePack struct {
	DocumentKey DocumentKey       `json:"document_key"`
	Checkpoint  Checkpoint        `json:"checkpoint"`
	Changes     []json.RawMessage `json:"changes,omitempty"`
}

func (self *ChangePack) ChangeCount() int {
	if self == nil {
		return 0
	}
	return len(self.Changes)
}

// contract the core consumes from the document engine.
// implementations are not part of this package.
type Document interface {
	// binds the CRDT actor for all subsequent local edits
	SetActor(actorId Id)
	Key() string
	DocumentKey() DocumentKey
	// drains local unsynced changes into a transmittable pack
	CreateChangePack() *ChangePack
	ApplyChangePack(pack *ChangePack) error
	HasLocalChanges() bool
}
