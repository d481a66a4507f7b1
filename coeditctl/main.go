package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"codocs.com/coedit"
)

const CoeditCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Coedit control.

The default url is:
    api_url: https://api.codocs.com

Usage:
    coeditctl activate [--api_url=<api_url>] [--key=<key>] [--token=<token>]
    coeditctl watch [--api_url=<api_url>] [--key=<key>] [--token=<token>]
        [--name=<name>] <doc_key>...
    coeditctl sync [--api_url=<api_url>] [--key=<key>] [--token=<token>]
        <doc_key>...
    coeditctl token-info [--token=<token>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --api_url=<api_url>
    --key=<key>          Client local key. A fresh one is generated if omitted.
    --token=<token>      Agent auth token. Prompted for when omitted on a terminal.
    --name=<name>        Display name advertised to peers.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoeditCtlVersion)
	if err != nil {
		panic(err)
	}

	if activate_, _ := opts.Bool("activate"); activate_ {
		activate(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		sync(opts)
	} else if tokenInfo_, _ := opts.Bool("token-info"); tokenInfo_ {
		tokenInfo(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil {
		return apiUrl
	}
	return "https://api.codocs.com"
}

func authToken(opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil {
		return token
	}
	if term.IsTerminal(int(syscall.Stdin)) {
		fmt.Print("token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return string(tokenBytes)
		}
	}
	return ""
}

func newClient(opts docopt.Opts) *coedit.Client {
	config := &coedit.ClientConfig{
		AuthToken: authToken(opts),
	}
	if key, err := opts.String("--key"); err == nil {
		config.Key = key
	}
	if name, err := opts.String("--name"); err == nil {
		config.Metadata = coedit.Metadata{
			"name": name,
		}
	}
	return coedit.NewClientWithDefaults(context.Background(), apiUrl(opts), config)
}

func activate(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.Activate(ctx); err != nil {
		Err.Printf("activate error: %s", err)
		os.Exit(1)
	}
	Out.Printf("client_key: %s", client.Key())
	Out.Printf("client_id:  %s", client.Id())

	if err := client.Deactivate(ctx); err != nil {
		Err.Printf("deactivate error: %s", err)
		os.Exit(1)
	}
}

func watch(opts docopt.Opts) {
	docKeys := opts["<doc_key>"].([]string)

	client := newClient(opts)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsub := client.Subscribe(func(event *coedit.ClientEvent) {
		switch event.Type {
		case coedit.EventStatusChanged:
			Out.Printf("status: %s", event.Status)
		case coedit.EventStreamConnectionStatus:
			Out.Printf("stream: %s", event.StreamStatus)
		case coedit.EventDocumentsChanged:
			Out.Printf("changed: %v", event.DocumentKeys)
		case coedit.EventPeersChanged:
			for docKey, peers := range event.Peers {
				Out.Printf("peers %s:", docKey)
				for peerId, metadata := range peers {
					Out.Printf("    %s %v", peerId, metadata)
				}
			}
		case coedit.EventDocumentSynced:
			Out.Printf("sync: %s", event.SyncStatus)
		}
	})
	defer unsub()

	if err := client.Activate(ctx); err != nil {
		Err.Printf("activate error: %s", err)
		os.Exit(1)
	}

	for _, docKey := range docKeys {
		document := newCtlDocument(docKey)
		if err := client.Attach(ctx, document, false); err != nil {
			Err.Printf("attach %s error: %s", docKey, err)
			os.Exit(1)
		}
		Out.Printf("attached: %s", docKey)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	deactivateCtx, deactivateCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer deactivateCancel()
	client.Deactivate(deactivateCtx)
}

func sync(opts docopt.Opts) {
	docKeys := opts["<doc_key>"].([]string)

	client := newClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Activate(ctx); err != nil {
		Err.Printf("activate error: %s", err)
		os.Exit(1)
	}

	documents := []*ctlDocument{}
	for _, docKey := range docKeys {
		document := newCtlDocument(docKey)
		if err := client.Attach(ctx, document, true); err != nil {
			Err.Printf("attach %s error: %s", docKey, err)
			os.Exit(1)
		}
		documents = append(documents, document)
	}

	if _, err := client.Sync(ctx); err != nil {
		Err.Printf("sync error: %s", err)
		os.Exit(1)
	}

	for _, document := range documents {
		Out.Printf("%s checkpoint: %+v", document.Key(), document.checkpoint)
	}

	client.Deactivate(ctx)
}

func tokenInfo(opts docopt.Opts) {
	token := authToken(opts)
	agentToken, err := coedit.ParseAgentTokenUnverified(token)
	if err != nil {
		Err.Printf("token error: %s", err)
		os.Exit(1)
	}
	Out.Printf("subject:    %s", agentToken.Subject)
	Out.Printf("project_id: %s", agentToken.ProjectId)
	Out.Printf("expiration: %s", agentToken.Expiration)
}

// inert document handle used to observe presence and checkpoints from the
// command line. it never carries local changes; the agent's packs only move
// the checkpoint forward.
type ctlDocument struct {
	key        string
	actorId    coedit.Id
	checkpoint coedit.Checkpoint
}

func newCtlDocument(key string) *ctlDocument {
	return &ctlDocument{
		key: key,
	}
}

func (self *ctlDocument) SetActor(actorId coedit.Id) {
	self.actorId = actorId
}

func (self *ctlDocument) Key() string {
	return self.key
}

func (self *ctlDocument) DocumentKey() coedit.DocumentKey {
	return coedit.DocumentKey{
		Document: self.key,
	}
}

func (self *ctlDocument) CreateChangePack() *coedit.ChangePack {
	return &coedit.ChangePack{
		DocumentKey: self.DocumentKey(),
		Checkpoint:  self.checkpoint,
	}
}

func (self *ctlDocument) ApplyChangePack(pack *coedit.ChangePack) error {
	self.checkpoint = self.checkpoint.Forward(pack.Checkpoint)
	return nil
}

func (self *ctlDocument) HasLocalChanges() bool {
	return false
}
