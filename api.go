package coedit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		select {
		case c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// unary rpc surface of the coordinating agent.
// every outbound call carries the auth token (when set) in transport metadata.
type AgentApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string

	httpClient *http.Client
}

func NewAgentApi(apiUrl string) *AgentApi {
	return NewAgentApiWithContext(context.Background(), apiUrl)
}

func NewAgentApiWithContext(ctx context.Context, apiUrl string) *AgentApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &AgentApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to all api calls
func (self *AgentApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

func (self *AgentApi) Close() {
	self.cancel()
}

type ActivateClientCallback apiCallback[*ActivateClientResult]

type ActivateClientArgs struct {
	ClientKey string `json:"client_key"`
}

type ActivateClientResult struct {
	ClientId []byte `json:"client_id"`
}

func (self *AgentApi) ActivateClient(activateClient *ActivateClientArgs, callback ActivateClientCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/client/activate", self.apiUrl),
		activateClient,
		self.authToken,
		&ActivateClientResult{},
		callback,
	)
}

type DeactivateClientCallback apiCallback[*DeactivateClientResult]

type DeactivateClientArgs struct {
	ClientId []byte `json:"client_id"`
}

type DeactivateClientResult struct {
}

func (self *AgentApi) DeactivateClient(deactivateClient *DeactivateClientArgs, callback DeactivateClientCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/client/deactivate", self.apiUrl),
		deactivateClient,
		self.authToken,
		&DeactivateClientResult{},
		callback,
	)
}

type AttachDocumentCallback apiCallback[*AttachDocumentResult]

type AttachDocumentArgs struct {
	ClientId   []byte      `json:"client_id"`
	ChangePack *ChangePack `json:"change_pack"`
}

type AttachDocumentResult struct {
	ChangePack *ChangePack `json:"change_pack"`
}

func (self *AgentApi) AttachDocument(attachDocument *AttachDocumentArgs, callback AttachDocumentCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/document/attach", self.apiUrl),
		attachDocument,
		self.authToken,
		&AttachDocumentResult{},
		callback,
	)
}

type DetachDocumentCallback apiCallback[*DetachDocumentResult]

type DetachDocumentArgs struct {
	ClientId   []byte      `json:"client_id"`
	ChangePack *ChangePack `json:"change_pack"`
}

type DetachDocumentResult struct {
	ChangePack *ChangePack `json:"change_pack"`
}

func (self *AgentApi) DetachDocument(detachDocument *DetachDocumentArgs, callback DetachDocumentCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/document/detach", self.apiUrl),
		detachDocument,
		self.authToken,
		&DetachDocumentResult{},
		callback,
	)
}

type PushPullCallback apiCallback[*PushPullResult]

type PushPullArgs struct {
	ClientId   []byte      `json:"client_id"`
	ChangePack *ChangePack `json:"change_pack"`
}

type PushPullResult struct {
	ChangePack *ChangePack `json:"change_pack"`
}

func (self *AgentApi) PushPull(pushPull *PushPullArgs, callback PushPullCallback) {
	go post(
		self.ctx,
		self.httpClient,
		fmt.Sprintf("%s/document/pushpull", self.apiUrl),
		pushPull,
		self.authToken,
		&PushPullResult{},
		callback,
	)
}

func post[R any](ctx context.Context, httpClient *http.Client, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	r, err := httpClient.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
