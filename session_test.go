package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// test fakes

type fakeTransport struct {
	sendMutex sync.Mutex
	sent      []*Frame
	sendErr   error

	frames chan *Frame

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan *Frame, 32),
		done:   make(chan struct{}),
	}
}

func (self *fakeTransport) SendFrame(frame *Frame) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	if self.sendErr != nil {
		return &PublishError{Destination: frame.Destination, Cause: self.sendErr}
	}
	self.sent = append(self.sent, frame)
	return nil
}

func (self *fakeTransport) Frames() <-chan *Frame {
	return self.frames
}

func (self *fakeTransport) Done() <-chan struct{} {
	return self.done
}

func (self *fakeTransport) Err() error {
	return self.err
}

func (self *fakeTransport) Close() {
	self.doneOnce.Do(func() {
		close(self.done)
	})
}

func (self *fakeTransport) fail(err error) {
	self.err = err
	self.doneOnce.Do(func() {
		close(self.done)
	})
}

func (self *fakeTransport) failSends(err error) {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	self.sendErr = err
}

func (self *fakeTransport) push(frame *Frame) {
	self.frames <- frame
}

func (self *fakeTransport) sentTo(destination string) []*Frame {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	out := []*Frame{}
	for _, frame := range self.sent {
		if frame.Destination == destination {
			out = append(out, frame)
		}
	}
	return out
}

func (self *fakeTransport) sentOfType(frameType string) []*Frame {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	out := []*Frame{}
	for _, frame := range self.sent {
		if frame.Type == frameType {
			out = append(out, frame)
		}
	}
	return out
}

type fakeApi struct {
	mutex sync.Mutex

	bootstrap    *UserBootstrapData
	bootstrapErr error

	friends     []*Friend
	friendsErr  error
	requests    []*FriendRequest
	requestsErr error
	groups      []*Group
	groupsErr   error
	invitations []*GroupInvitation

	fetchCounts map[string]int
}

func newFakeApi() *fakeApi {
	return &fakeApi{
		bootstrap: &UserBootstrapData{
			UserId:        "2",
			Username:      "test2",
			GroupMessages: map[string][]*ChatMessage{},
		},
		fetchCounts: map[string]int{},
	}
}

func (self *fakeApi) count(what string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fetchCounts[what]
}

func (self *fakeApi) FetchBootstrap(ctx context.Context, credential string) (*UserBootstrapData, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.fetchCounts["bootstrap"] += 1
	if self.bootstrapErr != nil {
		return nil, self.bootstrapErr
	}
	return self.bootstrap, nil
}

func (self *fakeApi) FetchFriends(ctx context.Context, userId string) ([]*Friend, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.fetchCounts["friends"] += 1
	return self.friends, self.friendsErr
}

func (self *fakeApi) FetchFriendRequests(ctx context.Context, userId string) ([]*FriendRequest, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.fetchCounts["friendRequests"] += 1
	return self.requests, self.requestsErr
}

func (self *fakeApi) FetchGroupMemberships(ctx context.Context) ([]*Group, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.fetchCounts["groups"] += 1
	return self.groups, self.groupsErr
}

func (self *fakeApi) FetchReceivedGroupInvitations(ctx context.Context) ([]*GroupInvitation, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.fetchCounts["invitations"] += 1
	return self.invitations, nil
}

type fakeDialer struct {
	mutex     sync.Mutex
	dialCount int
	dialErr   error
	// when set, dial blocks until the channel closes
	gate       chan struct{}
	transports []*fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (self *fakeDialer) dial(ctx context.Context, credential string) (Transport, error) {
	self.mutex.Lock()
	self.dialCount += 1
	gate := self.gate
	dialErr := self.dialErr
	self.mutex.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	transport := newFakeTransport()
	self.mutex.Lock()
	self.transports = append(self.transports, transport)
	self.mutex.Unlock()
	return transport, nil
}

func (self *fakeDialer) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.dialCount
}

func (self *fakeDialer) lastTransport() *fakeTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.transports) == 0 {
		return nil
	}
	return self.transports[len(self.transports)-1]
}

func testClientSettings(dialer *fakeDialer) *ChatClientSettings {
	settings := DefaultChatClientSettings()
	settings.Dialer = dialer.dial
	settings.HeartbeatInterval = 20 * time.Millisecond
	settings.DisconnectGrace = 5 * time.Millisecond
	settings.ReconnectMaxAttempts = 0
	settings.ReconnectDelay = 5 * time.Millisecond
	settings.ReconnectMaxDelay = 10 * time.Millisecond
	return settings
}

func waitAttempt(t *testing.T, attempt *ConnectAttempt) error {
	t.Helper()
	select {
	case <-attempt.Done():
		return attempt.Err()
	case <-time.After(5 * time.Second):
		t.Fatal("connect attempt did not resolve")
		return nil
	}
}

func eventually(t *testing.T, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

// tests

func TestConnectMissingCredential(t *testing.T) {
	dialer := newFakeDialer()
	client := NewChatClient(context.Background(), newFakeApi(), testClientSettings(dialer))
	defer client.Close()

	attempt := client.Connect("")
	err := waitAttempt(t, attempt)

	var missingErr *MissingCredentialError
	assert.Equal(t, errors.As(err, &missingErr), true)
	assert.Equal(t, client.State(), ConnectionStateDisconnected)
	assert.Equal(t, dialer.count(), 0)
}

func TestConnectIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	dialer.gate = make(chan struct{})
	client := NewChatClient(context.Background(), newFakeApi(), testClientSettings(dialer))
	defer client.Close()

	first := client.Connect("validToken")
	second := client.Connect("validToken")
	third := client.Connect("otherToken")

	// all callers share the single in-flight attempt
	assert.Equal(t, first == second, true)
	assert.Equal(t, first == third, true)

	close(dialer.gate)
	assert.Equal(t, waitAttempt(t, first), nil)
	assert.Equal(t, dialer.count(), 1)

	// connecting again while connected also joins the resolved attempt
	fourth := client.Connect("validToken")
	assert.Equal(t, first == fourth, true)
	assert.Equal(t, dialer.count(), 1)
}

func TestConnectScenario(t *testing.T) {
	dialer := newFakeDialer()
	api := newFakeApi()
	api.bootstrap = &UserBootstrapData{
		UserId:   "2",
		Username: "test2",
		Friends:  []*Friend{},
		Groups: []*Group{
			{GroupId: "7", GroupName: "G7", Role: "member"},
		},
		FriendRequests: []*FriendRequest{},
		GroupMessages:  map[string][]*ChatMessage{},
	}
	client := NewChatClient(context.Background(), api, testClientSettings(dialer))
	defer client.Close()

	err := waitAttempt(t, client.Connect("validToken"))
	assert.Equal(t, err, nil)
	assert.Equal(t, client.State(), ConnectionStateConnected)

	groups := client.Store().Groups()
	assert.Equal(t, len(groups), 1)
	assert.Equal(t, groups[0].GroupId, "7")

	destinations := client.SubscribedDestinations()
	groupTopics := 0
	for _, destination := range destinations {
		if destination == GroupTopic("7") {
			groupTopics += 1
		}
	}
	assert.Equal(t, groupTopics, 1)
	assert.Equal(t, len(destinations), len(FixedQueues())+1)

	// presence online was announced before the session went connected
	transport := dialer.lastTransport()
	assert.Equal(t, len(transport.sentTo(SendPresenceOnline)), 1)

	assert.Equal(t, client.IsHeartbeatRunning(), true)
	eventually(t, func() bool {
		return 1 <= len(transport.sentTo(SendHeartbeat))
	})
}

func TestConnectBootstrapAuthError(t *testing.T) {
	dialer := newFakeDialer()
	api := newFakeApi()
	api.bootstrapErr = &AuthError{Op: "bootstrap", Cause: errors.New("credential expired")}
	client := NewChatClient(context.Background(), api, testClientSettings(dialer))
	defer client.Close()

	err := waitAttempt(t, client.Connect("expiredToken"))

	var authErr *AuthError
	assert.Equal(t, errors.As(err, &authErr), true)
	assert.Equal(t, client.State(), ConnectionStateFailed)
	assert.Equal(t, client.IsHeartbeatRunning(), false)
	// the partial transport was torn down
	eventually(t, func() bool {
		select {
		case <-dialer.lastTransport().Done():
			return true
		default:
			return false
		}
	})
}

func TestDisconnectScenario(t *testing.T) {
	dialer := newFakeDialer()
	api := newFakeApi()
	api.bootstrap.Groups = []*Group{{GroupId: "7", GroupName: "G7"}}
	client := NewChatClient(context.Background(), api, testClientSettings(dialer))
	defer client.Close()

	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)
	transport := dialer.lastTransport()

	disconnected := make(chan struct{}, 4)
	client.Events().OnDisconnected(func() {
		disconnected <- struct{}{}
	})

	client.Disconnect()

	assert.Equal(t, client.State(), ConnectionStateDisconnected)
	assert.Equal(t, len(transport.sentTo(SendPresenceOffline)), 1)
	// the whole subscription table was released
	assert.Equal(t, len(client.SubscribedDestinations()), 0)
	assert.Equal(t, len(transport.sentOfType(FrameTypeUnsubscribe)), len(FixedQueues())+1)
	select {
	case <-transport.Done():
	default:
		t.Fatal("transport still open after disconnect")
	}
	eventually(t, func() bool {
		return !client.IsHeartbeatRunning()
	})
	assert.Equal(t, len(disconnected), 1)

	// disconnecting again is a safe no-op
	client.Disconnect()
	assert.Equal(t, client.State(), ConnectionStateDisconnected)
	assert.Equal(t, len(transport.sentTo(SendPresenceOffline)), 1)
}

func TestSendPrivateMessage(t *testing.T) {
	dialer := newFakeDialer()
	client := NewChatClient(context.Background(), newFakeApi(), testClientSettings(dialer))
	defer client.Close()

	// not connected yet
	_, err := client.SendPrivateMessage("9", "hello")
	var publishErr *PublishError
	assert.Equal(t, errors.As(err, &publishErr), true)

	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)

	tempId, err := client.SendPrivateMessage("9", "hello")
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.HasPrefix(tempId, "temp_"), true)

	transport := dialer.lastTransport()
	sent := transport.sentTo(SendPrivateChat)
	assert.Equal(t, len(sent), 1)

	// the optimistic local entry is in the private history
	messages := client.Store().PrivateMessages()
	assert.Equal(t, len(messages), 1)
	assert.Equal(t, messages[0].TempId, tempId)
	assert.Equal(t, messages[0].SenderId, "2")
	assert.Equal(t, messages[0].ReceiverId, "9")
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := newFakeDialer()
	api := newFakeApi()
	settings := testClientSettings(dialer)
	settings.ReconnectMaxAttempts = 2
	client := NewChatClient(context.Background(), api, settings)
	defer client.Close()

	var errsMutex sync.Mutex
	errs := []error{}
	client.Events().OnError(func(err error) {
		errsMutex.Lock()
		errs = append(errs, err)
		errsMutex.Unlock()
	})

	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)
	assert.Equal(t, dialer.count(), 1)

	// every dial from here on fails
	dialer.mutex.Lock()
	dialer.dialErr = errors.New("network unreachable")
	dialer.mutex.Unlock()

	dialer.lastTransport().fail(errors.New("connection reset"))

	eventually(t, func() bool {
		errsMutex.Lock()
		defer errsMutex.Unlock()
		for _, err := range errs {
			if strings.Contains(err.Error(), "gave up after 2 reconnect attempts") {
				return true
			}
		}
		return false
	})
	assert.Equal(t, dialer.count(), 3)
	assert.Equal(t, client.State(), ConnectionStateFailed)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	dialer := newFakeDialer()
	settings := testClientSettings(dialer)
	settings.ReconnectMaxAttempts = 3
	settings.ReconnectDelay = 50 * time.Millisecond
	settings.ReconnectMaxDelay = 100 * time.Millisecond
	client := NewChatClient(context.Background(), newFakeApi(), settings)
	defer client.Close()

	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)
	assert.Equal(t, dialer.count(), 1)

	dialer.lastTransport().fail(errors.New("connection reset"))
	eventually(t, func() bool {
		return client.State() == ConnectionStateDisconnected
	})

	// the user ends the session while the reconnect loop waits out its
	// backoff delay; the loop must not bring the session back
	client.Disconnect()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, client.State(), ConnectionStateDisconnected)
	assert.Equal(t, dialer.count(), 1)
}

func TestSendFailureRollsBackOptimisticEntry(t *testing.T) {
	dialer := newFakeDialer()
	api := newFakeApi()
	api.bootstrap.Groups = []*Group{{GroupId: "7", GroupName: "G7"}}
	client := NewChatClient(context.Background(), api, testClientSettings(dialer))
	defer client.Close()

	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)
	dialer.lastTransport().failSends(errors.New("write timeout"))

	_, err := client.SendPrivateMessage("9", "hello")
	assert.NotEqual(t, err, nil)
	_, err = client.SendGroupMessage("7", "hello all")
	assert.NotEqual(t, err, nil)

	// neither the history nor the pending table keeps the failed sends
	assert.Equal(t, len(client.Store().PrivateMessages()), 0)
	assert.Equal(t, len(client.Store().GroupMessages("7")), 0)
	client.stateLock.Lock()
	pending := len(client.pendingSends)
	client.stateLock.Unlock()
	assert.Equal(t, pending, 0)
}

func TestPendingSendsClearedOnTeardown(t *testing.T) {
	dialer := newFakeDialer()
	client := NewChatClient(context.Background(), newFakeApi(), testClientSettings(dialer))
	defer client.Close()

	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)
	_, err := client.SendPrivateMessage("9", "hello")
	assert.Equal(t, err, nil)
	client.stateLock.Lock()
	pending := len(client.pendingSends)
	client.stateLock.Unlock()
	assert.Equal(t, pending, 1)

	client.Disconnect()
	client.stateLock.Lock()
	pending = len(client.pendingSends)
	client.stateLock.Unlock()
	assert.Equal(t, pending, 0)

	// same after an unexpected loss
	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)
	_, err = client.SendPrivateMessage("9", "hello again")
	assert.Equal(t, err, nil)
	dialer.lastTransport().fail(errors.New("connection reset"))
	eventually(t, func() bool {
		client.stateLock.Lock()
		defer client.stateLock.Unlock()
		return len(client.pendingSends) == 0
	})
}

func TestSendFileMessages(t *testing.T) {
	dialer := newFakeDialer()
	api := newFakeApi()
	api.bootstrap.Groups = []*Group{{GroupId: "7", GroupName: "G7"}}
	client := NewChatClient(context.Background(), api, testClientSettings(dialer))
	defer client.Close()

	assert.Equal(t, waitAttempt(t, client.Connect("validToken")), nil)
	transport := dialer.lastTransport()

	file := &FileMetadata{
		FileName: "notes.txt",
		FileUrl:  "https://files.example.com/notes.txt",
		FileSize: 512,
		FileType: "text/plain",
	}

	// a file message carries no text content
	tempId, err := client.SendPrivateFile("9", "", file)
	assert.Equal(t, err, nil)
	sent := transport.sentTo(SendPrivateChat)
	assert.Equal(t, len(sent), 1)
	wireMessage := &ChatMessage{}
	assert.Equal(t, json.Unmarshal(sent[0].Body, wireMessage), nil)
	assert.Equal(t, wireMessage.TempId, tempId)
	assert.Equal(t, wireMessage.Content, "")
	assert.NotEqual(t, wireMessage.File, nil)
	assert.Equal(t, wireMessage.File.FileName, "notes.txt")

	messages := client.Store().PrivateMessages()
	assert.Equal(t, len(messages), 1)
	assert.NotEqual(t, messages[0].File, nil)

	_, err = client.SendGroupFile("7", "", file)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(transport.sentTo(SendGroupChat)), 1)
	groupMessages := client.Store().GroupMessages("7")
	assert.Equal(t, len(groupMessages), 1)
	assert.NotEqual(t, groupMessages[0].File, nil)
	assert.Equal(t, groupMessages[0].File.FileUrl, "https://files.example.com/notes.txt")
}

func TestDisconnectRacesInFlightConnect(t *testing.T) {
	dialer := newFakeDialer()
	dialer.gate = make(chan struct{})
	client := NewChatClient(context.Background(), newFakeApi(), testClientSettings(dialer))
	defer client.Close()

	attempt := client.Connect("validToken")
	assert.Equal(t, client.State(), ConnectionStateConnecting)

	client.Disconnect()
	assert.Equal(t, client.State(), ConnectionStateDisconnected)

	close(dialer.gate)
	err := waitAttempt(t, attempt)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, client.State(), ConnectionStateDisconnected)
	// the superseded attempt closed the transport it had opened
	eventually(t, func() bool {
		transport := dialer.lastTransport()
		if transport == nil {
			return false
		}
		select {
		case <-transport.Done():
			return true
		default:
			return false
		}
	})
}

func TestConnectAttemptWait(t *testing.T) {
	dialer := newFakeDialer()
	dialer.gate = make(chan struct{})
	client := NewChatClient(context.Background(), newFakeApi(), testClientSettings(dialer))
	defer client.Close()

	attempt := client.Connect("validToken")

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, attempt.Wait(cancelCtx), context.Canceled)

	close(dialer.gate)
	assert.Equal(t, attempt.Wait(context.Background()), nil)
	assert.Equal(t, fmt.Sprintf("%s", client.State()), "connected")
}
