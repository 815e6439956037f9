package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// The http collaborators the core consumes. The runtime only ever calls
// these through the ChatApi interface; the default implementation below
// talks to the rest api with the same bearer credential as the socket.

type ChatApi interface {
	FetchBootstrap(ctx context.Context, credential string) (*UserBootstrapData, error)
	FetchFriends(ctx context.Context, userId string) ([]*Friend, error)
	FetchFriendRequests(ctx context.Context, userId string) ([]*FriendRequest, error)
	FetchGroupMemberships(ctx context.Context) ([]*Group, error)
	FetchReceivedGroupInvitations(ctx context.Context) ([]*GroupInvitation, error)
}

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
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
	callback := NewApiCallback[R](func(result R, err error) {
		r := ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
		select {
		case <-ctx.Done():
		case c <- r:
		}
	})
	return callback, c
}

// the rest api wraps every response in {code, message, data}
type restEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type HttpChatApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewHttpChatApi(apiUrl string) *HttpChatApi {
	return NewHttpChatApiWithContext(context.Background(), apiUrl)
}

func NewHttpChatApiWithContext(ctx context.Context, apiUrl string) *HttpChatApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HttpChatApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *HttpChatApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *HttpChatApi) Close() {
	self.cancel()
}

func (self *HttpChatApi) FetchBootstrap(ctx context.Context, credential string) (*UserBootstrapData, error) {
	data, err := get(ctx, fmt.Sprintf("%s/chat/bootstrap", self.apiUrl), credential)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, err
		}
		return nil, &AuthError{Op: "bootstrap", Cause: err}
	}
	return DecodeBootstrap(data)
}

func (self *HttpChatApi) FetchFriends(ctx context.Context, userId string) ([]*Friend, error) {
	data, err := get(
		ctx,
		fmt.Sprintf("%s/friend/list?userId=%s", self.apiUrl, url.QueryEscape(userId)),
		self.byJwt,
	)
	if err != nil {
		return nil, err
	}
	return decodeData[[]*Friend](data)
}

func (self *HttpChatApi) FetchFriendRequests(ctx context.Context, userId string) ([]*FriendRequest, error) {
	data, err := get(
		ctx,
		fmt.Sprintf("%s/friend/requests?userId=%s", self.apiUrl, url.QueryEscape(userId)),
		self.byJwt,
	)
	if err != nil {
		return nil, err
	}
	return decodeData[[]*FriendRequest](data)
}

func (self *HttpChatApi) FetchGroupMemberships(ctx context.Context) ([]*Group, error) {
	data, err := get(ctx, fmt.Sprintf("%s/group/memberships", self.apiUrl), self.byJwt)
	if err != nil {
		return nil, err
	}
	return decodeData[[]*Group](data)
}

func (self *HttpChatApi) FetchReceivedGroupInvitations(ctx context.Context) ([]*GroupInvitation, error) {
	data, err := get(ctx, fmt.Sprintf("%s/group/invitations/received", self.apiUrl), self.byJwt)
	if err != nil {
		return nil, err
	}
	return decodeData[[]*GroupInvitation](data)
}

func decodeData[R any](data []byte) (R, error) {
	var out R
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		var empty R
		return empty, &ParseError{Cause: err}
	}
	return out, nil
}

// get unwraps the rest envelope and maps credential rejections to AuthError.
func get(ctx context.Context, requestUrl string, byJwt string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		return nil, err
	}
	return do(req, byJwt)
}

func do(req *http.Request, byJwt string) ([]byte, error) {
	if byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	switch r.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &AuthError{Op: req.URL.Path, Cause: errors.New(strings.TrimSpace(string(responseBodyBytes)))}
	default:
		// the response body is the error message
		return nil, errors.New(strings.TrimSpace(string(responseBodyBytes)))
	}

	envelope := &restEnvelope{}
	if err := json.Unmarshal(responseBodyBytes, envelope); err != nil {
		return nil, &ParseError{Cause: err}
	}
	switch envelope.Code {
	case http.StatusOK:
		return envelope.Data, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &AuthError{Op: req.URL.Path, Cause: errors.New(envelope.Message)}
	default:
		return nil, fmt.Errorf("%s (code %d)", envelope.Message, envelope.Code)
	}
}
