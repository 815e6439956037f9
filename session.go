package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateFailed       ConnectionState = "failed"
)

type ChatClientSettings struct {
	// candidate endpoints, tried in order (see NewWsTransportDialer)
	ConnectUrls []string
	// must match the broker's expected cadence or the server times the
	// session out
	HeartbeatInterval time.Duration
	// pause between the presence-offline announce and teardown, so the
	// announce has a chance to flush
	DisconnectGrace time.Duration
	// zero disables reconnect after an unexpected loss
	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
	// test seam. when nil, a websocket dialer over ConnectUrls is used.
	Dialer            TransportDialer
	TransportSettings *ChatTransportSettings
}

func DefaultChatClientSettings() *ChatClientSettings {
	return &ChatClientSettings{
		ConnectUrls: []string{
			"wss://localhost:8080/ws-chat",
			"ws://localhost:8080/ws-chat",
		},
		HeartbeatInterval:    25 * time.Second,
		DisconnectGrace:      200 * time.Millisecond,
		ReconnectMaxAttempts: 5,
		ReconnectDelay:       1 * time.Second,
		ReconnectMaxDelay:    15 * time.Second,
		TransportSettings:    DefaultChatTransportSettings(),
	}
}

// ConnectAttempt resolves exactly once per connect attempt. Every caller
// of Connect before the first resolution shares the same attempt.
type ConnectAttempt struct {
	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func newConnectAttempt() *ConnectAttempt {
	return &ConnectAttempt{
		done: make(chan struct{}),
	}
}

func (self *ConnectAttempt) resolve(err error) {
	self.doneOnce.Do(func() {
		self.err = err
		close(self.done)
	})
}

func (self *ConnectAttempt) Done() <-chan struct{} {
	return self.done
}

// valid after Done
func (self *ConnectAttempt) Err() error {
	return self.err
}

func (self *ConnectAttempt) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.done:
		return self.err
	}
}

// ChatClient owns the single persistent session to the broker and all
// state transitions. Construct one per logical client; there is no
// package-level instance.
type ChatClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      ChatApi
	settings *ChatClientSettings
	dialer   TransportDialer

	events *ChatEvents
	store  *SocialStore

	stateLock        sync.Mutex
	state            ConnectionState
	credential       string
	transport        Transport
	subscriptions    *subscriptionManager
	pendingConnect   *ConnectAttempt
	pendingSends     map[string]*ChatMessage
	connectionCancel context.CancelFunc
	heartbeatRunning bool
	// owned by the reconnect loop after an unexpected loss; an explicit
	// Disconnect fires the cancel so the loop never outlives the session
	reconnectCtx    context.Context
	reconnectCancel context.CancelFunc
	// bumped whenever the session leaves or re-enters a connection, so a
	// fetch resolving after disconnect applies to nothing
	generation int
}

func NewChatClientWithDefaults(ctx context.Context, api ChatApi) *ChatClient {
	return NewChatClient(ctx, api, DefaultChatClientSettings())
}

func NewChatClient(ctx context.Context, api ChatApi, settings *ChatClientSettings) *ChatClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &ChatClient{
		ctx:          cancelCtx,
		cancel:       cancel,
		api:          api,
		settings:     settings,
		events:       NewChatEvents(),
		store:        NewSocialStore(),
		state:        ConnectionStateDisconnected,
		pendingSends: map[string]*ChatMessage{},
	}
	if settings.Dialer != nil {
		client.dialer = settings.Dialer
	} else {
		transportSettings := settings.TransportSettings
		if transportSettings == nil {
			transportSettings = DefaultChatTransportSettings()
		}
		client.dialer = NewWsTransportDialer(settings.ConnectUrls, transportSettings)
	}
	return client
}

func (self *ChatClient) Events() *ChatEvents {
	return self.events
}

func (self *ChatClient) Store() *SocialStore {
	return self.store
}

func (self *ChatClient) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ChatClient) IsHeartbeatRunning() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.heartbeatRunning
}

// SubscribedDestinations is the current subscription table, sorted.
func (self *ChatClient) SubscribedDestinations() []string {
	self.stateLock.Lock()
	subscriptions := self.subscriptions
	self.stateLock.Unlock()
	if subscriptions == nil {
		return []string{}
	}
	return subscriptions.Destinations()
}

// Connect starts the session. While an attempt is in flight, or the
// session is already connected, the existing attempt is returned instead
// of opening a second connection.
func (self *ChatClient) Connect(credential string) *ConnectAttempt {
	self.stateLock.Lock()
	switch self.state {
	case ConnectionStateConnecting, ConnectionStateConnected:
		attempt := self.pendingConnect
		state := self.state
		self.stateLock.Unlock()
		glog.V(1).Infof("[session]connect while %s, joining existing attempt\n", state)
		return attempt
	}

	if credential == "" {
		self.stateLock.Unlock()
		attempt := newConnectAttempt()
		err := &MissingCredentialError{}
		attempt.resolve(err)
		self.events.emitError(err)
		return attempt
	}

	attempt := newConnectAttempt()
	self.pendingConnect = attempt
	self.state = ConnectionStateConnecting
	self.credential = credential
	self.generation += 1
	generation := self.generation
	self.stateLock.Unlock()

	go self.runConnect(attempt, credential, generation)
	return attempt
}

func (self *ChatClient) runConnect(attempt *ConnectAttempt, credential string, generation int) {
	err := self.connectOnce(credential, generation)
	if err != nil {
		self.stateLock.Lock()
		if self.generation == generation {
			self.state = ConnectionStateFailed
		}
		self.stateLock.Unlock()
		glog.Infof("[session]connect error = %s\n", err)
		self.events.emitError(err)
		attempt.resolve(err)
		return
	}
	attempt.resolve(nil)
	self.events.emitConnected(self.store.UserId(), self.store.Username())
}

func (self *ChatClient) connectOnce(credential string, generation int) error {
	transport, err := self.dialer(self.ctx, credential)
	if err != nil {
		var connectErr *ConnectError
		if errors.As(err, &connectErr) {
			return err
		}
		return &ConnectError{Cause: err}
	}

	// the transport handshake succeeded, but the session is not connected
	// yet: bootstrap must succeed and subscriptions must be in place first
	callback, bootstrapResult := NewBlockingApiCallback[*UserBootstrapData](self.ctx)
	go func() {
		bootstrap, err := self.api.FetchBootstrap(self.ctx, credential)
		callback.Result(bootstrap, err)
	}()

	var bootstrap *UserBootstrapData
	select {
	case <-self.ctx.Done():
		transport.Close()
		return &ConnectError{Cause: self.ctx.Err()}
	case r := <-bootstrapResult:
		if r.Error != nil {
			transport.Close()
			var authErr *AuthError
			if errors.As(r.Error, &authErr) {
				return r.Error
			}
			return &AuthError{Op: "bootstrap", Cause: r.Error}
		}
		bootstrap = r.Result
	}

	if bootstrap.UserId == "" {
		// fall back to the credential claims for identity
		if byJwt, err := ParseByJwtUnverified(credential); err == nil {
			bootstrap.UserId = byJwt.UserId
			if bootstrap.Username == "" {
				bootstrap.Username = byJwt.Username
			}
		}
	}

	self.store.ApplyBootstrap(bootstrap)

	subscriptions := newSubscriptionManager(transport.SendFrame)
	if err := subscriptions.SubscribeFixed(); err != nil {
		// reported, not fatal: the session can run degraded and the ui
		// decides what to do with the error event
		self.events.emitError(err)
	}
	if err := subscriptions.SubscribeDynamic(self.store.Groups()); err != nil {
		self.events.emitError(err)
	}

	if err := self.sendPresence(transport, true); err != nil {
		self.events.emitError(err)
	}

	self.stateLock.Lock()
	if self.generation != generation || self.state != ConnectionStateConnecting {
		// a disconnect raced this attempt
		self.stateLock.Unlock()
		subscriptions.Clear()
		transport.Close()
		return &ConnectError{Cause: errors.New("connect attempt superseded")}
	}
	connectionCtx, connectionCancel := context.WithCancel(self.ctx)
	self.transport = transport
	self.subscriptions = subscriptions
	self.connectionCancel = connectionCancel
	self.state = ConnectionStateConnected
	self.heartbeatRunning = true
	self.stateLock.Unlock()

	go self.heartbeatLoop(connectionCtx, transport)
	go self.dispatchLoop(connectionCtx, transport, generation)
	go self.watchTransport(connectionCtx, transport, generation)

	glog.Infof("[session]connected user=%s\n", self.store.UserId())
	return nil
}

// Disconnect announces presence offline best effort, waits a short grace,
// then tears everything down. Always ends Disconnected. Safe to call
// repeatedly.
func (self *ChatClient) Disconnect() {
	self.stateLock.Lock()
	reconnectCancel := self.reconnectCancel
	self.reconnectCtx = nil
	self.reconnectCancel = nil
	if self.state != ConnectionStateConnected {
		if self.state == ConnectionStateConnecting {
			// the in-flight attempt observes the generation bump and
			// resolves with an error without going connected
			self.generation += 1
			self.state = ConnectionStateDisconnected
			self.credential = ""
		} else {
			self.state = ConnectionStateDisconnected
		}
		self.stateLock.Unlock()
		if reconnectCancel != nil {
			reconnectCancel()
		}
		return
	}
	self.generation += 1
	transport := self.transport
	subscriptions := self.subscriptions
	connectionCancel := self.connectionCancel
	self.transport = nil
	self.subscriptions = nil
	self.connectionCancel = nil
	self.pendingSends = map[string]*ChatMessage{}
	self.state = ConnectionStateDisconnected
	self.credential = ""
	self.stateLock.Unlock()

	if reconnectCancel != nil {
		reconnectCancel()
	}

	if err := self.sendPresence(transport, false); err != nil {
		glog.Infof("[session]offline announce error = %s\n", err)
	}
	select {
	case <-self.ctx.Done():
	case <-time.After(self.settings.DisconnectGrace):
	}

	if connectionCancel != nil {
		connectionCancel()
	}
	subscriptions.UnsubscribeAll()
	transport.Close()
	glog.Infof("[session]disconnected\n")
	self.events.emitDisconnected()
}

// Close tears down the client entirely.
func (self *ChatClient) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *ChatClient) heartbeatLoop(ctx context.Context, transport Transport) {
	defer func() {
		self.stateLock.Lock()
		self.heartbeatRunning = false
		self.stateLock.Unlock()
	}()

	ticker := time.NewTicker(self.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := NewSendFrame(SendHeartbeat, &HeartbeatMessage{
				UserId: self.store.UserId(),
			})
			if err != nil {
				glog.Warningf("[session]heartbeat encode error = %s\n", err)
				continue
			}
			if err := transport.SendFrame(frame); err != nil {
				glog.Infof("[session]heartbeat error = %s\n", err)
				return
			}
			glog.V(2).Infof("[session]heartbeat->\n")
		}
	}
}

func (self *ChatClient) dispatchLoop(ctx context.Context, transport Transport, generation int) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-transport.Frames():
			if !ok {
				return
			}
			self.dispatchFrame(frame, generation)
		}
	}
}

func (self *ChatClient) watchTransport(ctx context.Context, transport Transport, generation int) {
	select {
	case <-ctx.Done():
		return
	case <-transport.Done():
		self.handleConnectionLost(transport.Err(), generation)
	}
}

func (self *ChatClient) handleConnectionLost(cause error, generation int) {
	self.stateLock.Lock()
	if self.generation != generation || self.state != ConnectionStateConnected {
		// an intentional disconnect already owns the teardown
		self.stateLock.Unlock()
		return
	}
	self.generation += 1
	transport := self.transport
	subscriptions := self.subscriptions
	connectionCancel := self.connectionCancel
	credential := self.credential
	self.transport = nil
	self.subscriptions = nil
	self.connectionCancel = nil
	self.pendingSends = map[string]*ChatMessage{}
	self.state = ConnectionStateDisconnected
	// arm the reconnect loop inside the same transition, so a Disconnect
	// arriving after this point always finds the cancel to fire
	var reconnectCtx context.Context
	if 0 < self.settings.ReconnectMaxAttempts {
		loopCtx, loopCancel := context.WithCancel(self.ctx)
		self.reconnectCtx = loopCtx
		self.reconnectCancel = loopCancel
		reconnectCtx = loopCtx
	}
	self.stateLock.Unlock()

	if connectionCancel != nil {
		connectionCancel()
	}
	if subscriptions != nil {
		// the transport is gone, nothing to tell the server
		subscriptions.Clear()
	}
	if transport != nil {
		transport.Close()
	}

	if cause == nil {
		cause = errors.New("connection lost")
	}
	glog.Infof("[session]connection lost = %s\n", cause)
	self.events.emitError(&ConnectError{Cause: cause})
	self.events.emitDisconnected()

	if reconnectCtx != nil {
		go self.reconnectLoop(reconnectCtx, credential)
	}
}

func (self *ChatClient) reconnectLoop(ctx context.Context, credential string) {
	defer func() {
		self.stateLock.Lock()
		if self.reconnectCtx == ctx {
			self.reconnectCtx = nil
			self.reconnectCancel = nil
		}
		self.stateLock.Unlock()
	}()

	maxAttempts := self.settings.ReconnectMaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt += 1 {
		delay := backoffDelay(attempt, self.settings.ReconnectDelay, self.settings.ReconnectMaxDelay)
		reconnect := NewReconnect(delay)
		select {
		case <-ctx.Done():
			// an explicit disconnect ended the session while we waited
			glog.V(1).Infof("[session]reconnect canceled\n")
			return
		case <-reconnect.After():
		}

		glog.Infof("[session]reconnect %d/%d\n", attempt, maxAttempts)
		connectAttempt := self.Connect(credential)
		select {
		case <-ctx.Done():
			return
		case <-connectAttempt.Done():
		}
		if connectAttempt.Err() == nil {
			glog.Infof("[session]reconnected\n")
			return
		}
	}
	self.events.emitError(&ConnectError{
		Cause: fmt.Errorf("gave up after %d reconnect attempts", maxAttempts),
	})
}

// SendPrivateMessage publishes a direct message and returns the temp id
// used to correlate the ack. An optimistic entry is appended to the local
// history; the authoritative echo replaces it by temp id.
func (self *ChatClient) SendPrivateMessage(toUserId string, content string) (string, error) {
	return self.sendChatMessage("", toUserId, content, nil)
}

func (self *ChatClient) SendPrivateFile(toUserId string, content string, file *FileMetadata) (string, error) {
	return self.sendChatMessage("", toUserId, content, file)
}

func (self *ChatClient) SendGroupMessage(groupId string, content string) (string, error) {
	return self.sendChatMessage(groupId, "", content, nil)
}

func (self *ChatClient) SendGroupFile(groupId string, content string, file *FileMetadata) (string, error) {
	return self.sendChatMessage(groupId, "", content, file)
}

func (self *ChatClient) sendChatMessage(groupId string, toUserId string, content string, file *FileMetadata) (string, error) {
	self.stateLock.Lock()
	transport := self.transport
	state := self.state
	self.stateLock.Unlock()

	destination := SendPrivateChat
	if groupId != "" {
		destination = SendGroupChat
	}

	if state != ConnectionStateConnected || transport == nil {
		err := &PublishError{Destination: destination, Cause: errors.New("not connected")}
		self.events.emitError(err)
		return "", err
	}

	message := &ChatMessage{
		TempId:     NewTempId(),
		SenderId:   self.store.UserId(),
		SenderName: self.store.Username(),
		ReceiverId: toUserId,
		GroupId:    groupId,
		Content:    content,
		Timestamp:  time.Now(),
		File:       file,
	}

	frame, err := NewSendFrame(destination, message)
	if err != nil {
		publishErr := &PublishError{Destination: destination, Cause: err}
		self.events.emitError(publishErr)
		return "", publishErr
	}

	if groupId != "" {
		self.store.AppendGroupMessage(message)
	} else {
		self.store.AppendPrivateMessage(message)
	}
	self.stateLock.Lock()
	self.pendingSends[message.TempId] = message
	self.stateLock.Unlock()

	if err := transport.SendFrame(frame); err != nil {
		// the message never made it onto the wire, take the optimistic
		// entry back out
		self.stateLock.Lock()
		delete(self.pendingSends, message.TempId)
		self.stateLock.Unlock()
		self.store.RemoveMessageByTempId(groupId, message.TempId)
		self.events.emitError(err)
		return "", err
	}
	glog.V(1).Infof("[session]sent %s tempId=%s\n", destination, message.TempId)
	return message.TempId, nil
}

// takePendingSend claims the pending entry for a temp id. The first ack
// wins; later duplicates find nothing.
func (self *ChatClient) takePendingSend(tempId string) (*ChatMessage, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	message, ok := self.pendingSends[tempId]
	if ok {
		delete(self.pendingSends, tempId)
	}
	return message, ok
}

func (self *ChatClient) sendPresence(transport Transport, online bool) error {
	destination := SendPresenceOnline
	status := PresenceStatusOnline
	if !online {
		destination = SendPresenceOffline
		status = PresenceStatusOffline
	}
	frame, err := NewSendFrame(destination, &StatusMessage{
		UserId: self.store.UserId(),
		Status: status,
	})
	if err != nil {
		return &PublishError{Destination: destination, Cause: err}
	}
	return transport.SendFrame(frame)
}
