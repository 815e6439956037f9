package chatclient

import (
	"fmt"
)

// error taxonomy of the client runtime. Every category surfaces through the
// error event; none of them crash the client.

type MissingCredentialError struct {
}

func (self *MissingCredentialError) Error() string {
	return "a credential is required to connect"
}

type ConnectError struct {
	Cause error
}

func (self *ConnectError) Error() string {
	return fmt.Sprintf("connect failed: %s", self.Cause)
}

func (self *ConnectError) Unwrap() error {
	return self.Cause
}

type AuthError struct {
	Op    string
	Cause error
}

func (self *AuthError) Error() string {
	if self.Cause != nil {
		return fmt.Sprintf("auth rejected (%s): %s", self.Op, self.Cause)
	}
	return fmt.Sprintf("auth rejected (%s)", self.Op)
}

func (self *AuthError) Unwrap() error {
	return self.Cause
}

type SubscriptionError struct {
	Destination string
	Cause       error
}

func (self *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s failed: %s", self.Destination, self.Cause)
}

func (self *SubscriptionError) Unwrap() error {
	return self.Cause
}

type PublishError struct {
	Destination string
	Cause       error
}

func (self *PublishError) Error() string {
	return fmt.Sprintf("publish %s failed: %s", self.Destination, self.Cause)
}

func (self *PublishError) Unwrap() error {
	return self.Cause
}

type ParseError struct {
	Destination string
	Cause       error
}

func (self *ParseError) Error() string {
	return fmt.Sprintf("bad frame on %s: %s", self.Destination, self.Cause)
}

func (self *ParseError) Unwrap() error {
	return self.Cause
}

type RefreshError struct {
	What  string
	Cause error
}

func (self *RefreshError) Error() string {
	return fmt.Sprintf("refresh %s failed: %s", self.What, self.Cause)
}

func (self *RefreshError) Unwrap() error {
	return self.Cause
}
