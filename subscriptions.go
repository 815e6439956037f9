package chatclient

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Subscription lifecycle is bound to the owning connection: the whole
// table is torn down together on disconnect.
type Subscription struct {
	Destination    string
	SubscriptionId Id
}

type subscriptionManager struct {
	sendFrame func(frame *Frame) error

	stateLock     sync.Mutex
	subscriptions map[string]*Subscription
}

func newSubscriptionManager(sendFrame func(frame *Frame) error) *subscriptionManager {
	return &subscriptionManager{
		sendFrame:     sendFrame,
		subscriptions: map[string]*Subscription{},
	}
}

// idempotent. an existing subscription for the destination is left alone.
func (self *subscriptionManager) Subscribe(destination string) error {
	self.stateLock.Lock()
	if _, ok := self.subscriptions[destination]; ok {
		self.stateLock.Unlock()
		return nil
	}
	subscription := &Subscription{
		Destination:    destination,
		SubscriptionId: NewId(),
	}
	self.subscriptions[destination] = subscription
	self.stateLock.Unlock()

	err := self.sendFrame(&Frame{
		Type:        FrameTypeSubscribe,
		Destination: destination,
		Headers: map[string]string{
			FrameHeaderSubscriptionId: subscription.SubscriptionId.String(),
		},
	})
	if err != nil {
		self.stateLock.Lock()
		delete(self.subscriptions, destination)
		self.stateLock.Unlock()
		return &SubscriptionError{Destination: destination, Cause: err}
	}
	glog.V(1).Infof("[sub]+%s\n", destination)
	return nil
}

func (self *subscriptionManager) Unsubscribe(destination string) {
	self.stateLock.Lock()
	subscription, ok := self.subscriptions[destination]
	if ok {
		delete(self.subscriptions, destination)
	}
	self.stateLock.Unlock()
	if !ok {
		return
	}

	err := self.sendFrame(&Frame{
		Type:        FrameTypeUnsubscribe,
		Destination: destination,
		Headers: map[string]string{
			FrameHeaderSubscriptionId: subscription.SubscriptionId.String(),
		},
	})
	if err != nil {
		// best effort
		glog.Infof("[sub]-%s error = %s\n", destination, err)
		return
	}
	glog.V(1).Infof("[sub]-%s\n", destination)
}

// SubscribeFixed subscribes the user-scoped queues every session needs,
// exactly once each.
func (self *subscriptionManager) SubscribeFixed() error {
	var errs []error
	for _, destination := range FixedQueues() {
		if err := self.Subscribe(destination); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return errs[0]
	}
	return nil
}

// SubscribeDynamic converges the table's group topics to exactly the
// current group set: missing topics are added, topics for groups the user
// no longer belongs to are pruned. Safe to call after every group refresh.
func (self *subscriptionManager) SubscribeDynamic(groups []*Group) error {
	current := map[string]bool{}
	for _, group := range groups {
		current[group.GroupId] = true
	}

	self.stateLock.Lock()
	stale := []string{}
	for destination := range self.subscriptions {
		if groupId, ok := GroupIdFromTopic(destination); ok && !current[groupId] {
			stale = append(stale, destination)
		}
	}
	self.stateLock.Unlock()

	slices.Sort(stale)
	for _, destination := range stale {
		self.Unsubscribe(destination)
	}

	var errs []error
	for _, group := range groups {
		if err := self.Subscribe(GroupTopic(group.GroupId)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return errs[0]
	}
	return nil
}

// UnsubscribeAll is cleanup. Unsubscribe errors are logged, not propagated.
func (self *subscriptionManager) UnsubscribeAll() {
	self.stateLock.Lock()
	destinations := maps.Keys(self.subscriptions)
	self.stateLock.Unlock()

	slices.Sort(destinations)
	for _, destination := range destinations {
		self.Unsubscribe(destination)
	}
}

// Clear drops the table without talking to the server. Used when the
// transport is already gone.
func (self *subscriptionManager) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.subscriptions = map[string]*Subscription{}
}

func (self *subscriptionManager) Has(destination string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.subscriptions[destination]
	return ok
}

func (self *subscriptionManager) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscriptions)
}

func (self *subscriptionManager) Destinations() []string {
	self.stateLock.Lock()
	destinations := maps.Keys(self.subscriptions)
	self.stateLock.Unlock()
	slices.Sort(destinations)
	return destinations
}
