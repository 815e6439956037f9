package chatclient

import (
	"encoding/json"
	"fmt"
)

// The wire envelope. Bodies stay JSON for compatibility with the broker;
// the destination names are part of the protocol contract (see
// destinations.go).

const (
	FrameTypeConnected   = "connected"
	FrameTypeSend        = "send"
	FrameTypeSubscribe   = "subscribe"
	FrameTypeUnsubscribe = "unsubscribe"
	FrameTypeMessage     = "message"
	FrameTypeHeartbeat   = "heartbeat"
	FrameTypeError       = "error"
)

const (
	FrameHeaderSubscriptionId = "id"
	FrameHeaderUser           = "user-name"
	FrameHeaderMessage        = "message"
)

type Frame struct {
	Type        string            `json:"type"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
}

func NewSendFrame(destination string, body any) (*Frame, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:        FrameTypeSend,
		Destination: destination,
		Body:        bodyBytes,
	}, nil
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(frameBytes []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(frameBytes, frame); err != nil {
		return nil, &ParseError{Cause: err}
	}
	if frame.Type == "" {
		return nil, &ParseError{Cause: fmt.Errorf("frame missing type")}
	}
	return frame, nil
}
