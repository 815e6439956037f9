package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type ChatTransportSettings struct {
	WsHandshakeTimeout time.Duration
	// how long to wait for the server connected frame after the socket opens
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingTimeout       time.Duration
	ReceiveBufferSize int
}

func DefaultChatTransportSettings() *ChatTransportSettings {
	return &ChatTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
		ReceiveBufferSize:  32,
	}
}

// Transport is one open duplex connection to the broker. The session owns
// exactly one at a time.
type Transport interface {
	SendFrame(frame *Frame) error
	Frames() <-chan *Frame
	// closed when the connection ends for any reason
	Done() <-chan struct{}
	// the close reason, valid after Done
	Err() error
	Close()
}

// TransportDialer opens a connection carrying the credential. The session
// takes a dialer instead of a concrete transport so tests can inject fakes.
type TransportDialer func(ctx context.Context, credential string) (Transport, error)

// NewWsTransportDialer negotiates across the candidate urls in order.
// Callers never see which candidate won; a dial failure on one endpoint
// falls back to the next (wss, then plain ws on deployments that sit
// behind a terminating proxy).
func NewWsTransportDialer(urls []string, settings *ChatTransportSettings) TransportDialer {
	return func(ctx context.Context, credential string) (Transport, error) {
		var dialErrs []error
		for _, connectUrl := range urls {
			transport, err := dialWs(ctx, connectUrl, credential, settings)
			if err == nil {
				return transport, nil
			}
			glog.Infof("[t]dial %s error = %s\n", connectUrl, err)
			dialErrs = append(dialErrs, err)
		}
		return nil, &ConnectError{Cause: errors.Join(dialErrs...)}
	}
}

func dialWs(ctx context.Context, connectUrl string, credential string, settings *ChatTransportSettings) (*wsTransport, error) {
	u, err := url.Parse(connectUrl)
	if err != nil {
		return nil, err
	}
	// the credential rides the url so the server can authenticate the
	// session before any subscription is accepted
	query := u.Query()
	query.Set("token", credential)
	u.RawQuery = query.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	// the server acknowledges the authenticated session with a connected
	// frame before anything else
	ws.SetReadDeadline(time.Now().Add(settings.ConnectTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch messageType {
	case websocket.TextMessage, websocket.BinaryMessage:
		frame, err := DecodeFrame(message)
		if err != nil {
			return nil, err
		}
		if frame.Type != FrameTypeConnected {
			return nil, fmt.Errorf("expected connected frame, got %s", frame.Type)
		}
	default:
		return nil, fmt.Errorf("unexpected handshake message type %d", messageType)
	}

	success = true

	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &wsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		frames:   make(chan *Frame, settings.ReceiveBufferSize),
		done:     make(chan struct{}),
	}
	go transport.readPump()
	go transport.pingLoop()
	return transport, nil
}

type wsTransport struct {
	ctx      context.Context
	cancel   context.CancelFunc
	ws       *websocket.Conn
	settings *ChatTransportSettings

	writeMutex sync.Mutex

	frames chan *Frame

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func (self *wsTransport) SendFrame(frame *Frame) error {
	select {
	case <-self.done:
		return &PublishError{Destination: frame.Destination, Cause: errors.New("transport closed")}
	default:
	}

	frameBytes, err := EncodeFrame(frame)
	if err != nil {
		return &PublishError{Destination: frame.Destination, Cause: err}
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, frameBytes); err != nil {
		// a websocket deadline timeout cannot be recovered
		self.finish(err)
		return &PublishError{Destination: frame.Destination, Cause: err}
	}
	glog.V(2).Infof("[ts]%s->\n", frame.Destination)
	return nil
}

func (self *wsTransport) Frames() <-chan *Frame {
	return self.frames
}

func (self *wsTransport) Done() <-chan struct{} {
	return self.done
}

func (self *wsTransport) Err() error {
	return self.err
}

func (self *wsTransport) Close() {
	self.finish(nil)
}

func (self *wsTransport) finish(err error) {
	self.doneOnce.Do(func() {
		self.err = err
		self.cancel()
		self.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(self.settings.WriteTimeout),
		)
		self.ws.Close()
		close(self.done)
	})
}

func (self *wsTransport) readPump() {
	defer close(self.frames)

	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[tr]read error = %s\n", err)
			self.finish(err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			frame, err := DecodeFrame(message)
			if err != nil {
				// a bad frame is local to that frame. log, drop, continue.
				glog.Warningf("[tr]drop %s\n", err)
				continue
			}
			if frame.Type == FrameTypeHeartbeat {
				glog.V(2).Infof("[tr]heartbeat<-\n")
				continue
			}

			select {
			case <-self.ctx.Done():
				return
			case self.frames <- frame:
				glog.V(2).Infof("[tr]%s<-\n", frame.Destination)
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[tr]drop %s<-\n", frame.Destination)
			}
		default:
			glog.V(2).Infof("[tr]other=%d<-\n", messageType)
		}
	}
}

func (self *wsTransport) pingLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
			err := self.ws.WriteControl(
				websocket.PingMessage,
				nil,
				time.Now().Add(self.settings.WriteTimeout),
			)
			if err != nil {
				glog.V(1).Infof("[t]ping error = %s\n", err)
				return
			}
		}
	}
}
