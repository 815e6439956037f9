package chatclient

import (
	"github.com/golang/glog"
)

// Normalized application events. One callback list per event keeps each
// payload statically typed. Registration is deduped by callback identity;
// emit is synchronous and in registration order, and a panicking listener
// never prevents the listeners after it from running.

type ConnectedFunction func(userId string, username string)
type DisconnectedFunction func()
type ErrorFunction func(err error)
type PublicMessageFunction func(message *ChatMessage)
type PrivateMessageFunction func(message *ChatMessage)
type PresenceFunction func(userId string)
type SystemMessageFunction func(notice *SystemNotice)
type NotificationFunction func(text string)
type FriendsUpdatedFunction func(friends []*Friend)
type FriendRequestsUpdatedFunction func(requests []*FriendRequest)
type GroupsUpdatedFunction func(groups []*Group)
type GroupInvitationsUpdatedFunction func(invitations []*GroupInvitation)
type GroupMemberChangedFunction func(notice *GroupNotice)
type GroupInfoChangedFunction func(notice *GroupNotice)
type GroupDissolvedFunction func(groupId string)
type MessageAckFunction func(ack *MessageAck)

type ChatEvents struct {
	connectedCallbacks             *CallbackList[ConnectedFunction]
	disconnectedCallbacks          *CallbackList[DisconnectedFunction]
	errorCallbacks                 *CallbackList[ErrorFunction]
	publicMessageCallbacks         *CallbackList[PublicMessageFunction]
	privateMessageCallbacks        *CallbackList[PrivateMessageFunction]
	userOnlineCallbacks            *CallbackList[PresenceFunction]
	userOfflineCallbacks           *CallbackList[PresenceFunction]
	systemMessageCallbacks         *CallbackList[SystemMessageFunction]
	notificationCallbacks          *CallbackList[NotificationFunction]
	friendsUpdatedCallbacks        *CallbackList[FriendsUpdatedFunction]
	friendRequestsUpdatedCallbacks *CallbackList[FriendRequestsUpdatedFunction]
	groupsUpdatedCallbacks         *CallbackList[GroupsUpdatedFunction]
	invitationsUpdatedCallbacks    *CallbackList[GroupInvitationsUpdatedFunction]
	groupMemberChangedCallbacks    *CallbackList[GroupMemberChangedFunction]
	groupInfoChangedCallbacks      *CallbackList[GroupInfoChangedFunction]
	groupDissolvedCallbacks        *CallbackList[GroupDissolvedFunction]
	messageAckCallbacks            *CallbackList[MessageAckFunction]
}

func NewChatEvents() *ChatEvents {
	return &ChatEvents{
		connectedCallbacks:             NewCallbackList[ConnectedFunction](),
		disconnectedCallbacks:          NewCallbackList[DisconnectedFunction](),
		errorCallbacks:                 NewCallbackList[ErrorFunction](),
		publicMessageCallbacks:         NewCallbackList[PublicMessageFunction](),
		privateMessageCallbacks:        NewCallbackList[PrivateMessageFunction](),
		userOnlineCallbacks:            NewCallbackList[PresenceFunction](),
		userOfflineCallbacks:           NewCallbackList[PresenceFunction](),
		systemMessageCallbacks:         NewCallbackList[SystemMessageFunction](),
		notificationCallbacks:          NewCallbackList[NotificationFunction](),
		friendsUpdatedCallbacks:        NewCallbackList[FriendsUpdatedFunction](),
		friendRequestsUpdatedCallbacks: NewCallbackList[FriendRequestsUpdatedFunction](),
		groupsUpdatedCallbacks:         NewCallbackList[GroupsUpdatedFunction](),
		invitationsUpdatedCallbacks:    NewCallbackList[GroupInvitationsUpdatedFunction](),
		groupMemberChangedCallbacks:    NewCallbackList[GroupMemberChangedFunction](),
		groupInfoChangedCallbacks:      NewCallbackList[GroupInfoChangedFunction](),
		groupDissolvedCallbacks:        NewCallbackList[GroupDissolvedFunction](),
		messageAckCallbacks:            NewCallbackList[MessageAckFunction](),
	}
}

func (self *ChatEvents) OnConnected(callback ConnectedFunction) { self.connectedCallbacks.Add(callback) }
func (self *ChatEvents) OffConnected(callback ConnectedFunction) {
	self.connectedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnDisconnected(callback DisconnectedFunction) {
	self.disconnectedCallbacks.Add(callback)
}
func (self *ChatEvents) OffDisconnected(callback DisconnectedFunction) {
	self.disconnectedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnError(callback ErrorFunction)  { self.errorCallbacks.Add(callback) }
func (self *ChatEvents) OffError(callback ErrorFunction) { self.errorCallbacks.Remove(callback) }

func (self *ChatEvents) OnPublicMessage(callback PublicMessageFunction) {
	self.publicMessageCallbacks.Add(callback)
}
func (self *ChatEvents) OffPublicMessage(callback PublicMessageFunction) {
	self.publicMessageCallbacks.Remove(callback)
}

func (self *ChatEvents) OnPrivateMessage(callback PrivateMessageFunction) {
	self.privateMessageCallbacks.Add(callback)
}
func (self *ChatEvents) OffPrivateMessage(callback PrivateMessageFunction) {
	self.privateMessageCallbacks.Remove(callback)
}

func (self *ChatEvents) OnUserOnline(callback PresenceFunction) {
	self.userOnlineCallbacks.Add(callback)
}
func (self *ChatEvents) OffUserOnline(callback PresenceFunction) {
	self.userOnlineCallbacks.Remove(callback)
}

func (self *ChatEvents) OnUserOffline(callback PresenceFunction) {
	self.userOfflineCallbacks.Add(callback)
}
func (self *ChatEvents) OffUserOffline(callback PresenceFunction) {
	self.userOfflineCallbacks.Remove(callback)
}

func (self *ChatEvents) OnSystemMessage(callback SystemMessageFunction) {
	self.systemMessageCallbacks.Add(callback)
}
func (self *ChatEvents) OffSystemMessage(callback SystemMessageFunction) {
	self.systemMessageCallbacks.Remove(callback)
}

func (self *ChatEvents) OnNotification(callback NotificationFunction) {
	self.notificationCallbacks.Add(callback)
}
func (self *ChatEvents) OffNotification(callback NotificationFunction) {
	self.notificationCallbacks.Remove(callback)
}

func (self *ChatEvents) OnFriendsUpdated(callback FriendsUpdatedFunction) {
	self.friendsUpdatedCallbacks.Add(callback)
}
func (self *ChatEvents) OffFriendsUpdated(callback FriendsUpdatedFunction) {
	self.friendsUpdatedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnFriendRequestsUpdated(callback FriendRequestsUpdatedFunction) {
	self.friendRequestsUpdatedCallbacks.Add(callback)
}
func (self *ChatEvents) OffFriendRequestsUpdated(callback FriendRequestsUpdatedFunction) {
	self.friendRequestsUpdatedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnGroupsUpdated(callback GroupsUpdatedFunction) {
	self.groupsUpdatedCallbacks.Add(callback)
}
func (self *ChatEvents) OffGroupsUpdated(callback GroupsUpdatedFunction) {
	self.groupsUpdatedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnGroupInvitationsUpdated(callback GroupInvitationsUpdatedFunction) {
	self.invitationsUpdatedCallbacks.Add(callback)
}
func (self *ChatEvents) OffGroupInvitationsUpdated(callback GroupInvitationsUpdatedFunction) {
	self.invitationsUpdatedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnGroupMemberChanged(callback GroupMemberChangedFunction) {
	self.groupMemberChangedCallbacks.Add(callback)
}
func (self *ChatEvents) OffGroupMemberChanged(callback GroupMemberChangedFunction) {
	self.groupMemberChangedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnGroupInfoChanged(callback GroupInfoChangedFunction) {
	self.groupInfoChangedCallbacks.Add(callback)
}
func (self *ChatEvents) OffGroupInfoChanged(callback GroupInfoChangedFunction) {
	self.groupInfoChangedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnGroupDissolved(callback GroupDissolvedFunction) {
	self.groupDissolvedCallbacks.Add(callback)
}
func (self *ChatEvents) OffGroupDissolved(callback GroupDissolvedFunction) {
	self.groupDissolvedCallbacks.Remove(callback)
}

func (self *ChatEvents) OnMessageAck(callback MessageAckFunction) {
	self.messageAckCallbacks.Add(callback)
}
func (self *ChatEvents) OffMessageAck(callback MessageAckFunction) {
	self.messageAckCallbacks.Remove(callback)
}

// emit helpers. one listener failing is isolated from the rest.

func safeInvoke(event string, invoke func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[events]%s listener panic = %v\n", event, r)
		}
	}()
	invoke()
}

func (self *ChatEvents) emitConnected(userId string, username string) {
	for _, callback := range self.connectedCallbacks.Get() {
		callback := callback
		safeInvoke("onConnected", func() { callback(userId, username) })
	}
}

func (self *ChatEvents) emitDisconnected() {
	for _, callback := range self.disconnectedCallbacks.Get() {
		callback := callback
		safeInvoke("onDisconnected", func() { callback() })
	}
}

func (self *ChatEvents) emitError(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		callback := callback
		safeInvoke("onError", func() { callback(err) })
	}
}

func (self *ChatEvents) emitPublicMessage(message *ChatMessage) {
	for _, callback := range self.publicMessageCallbacks.Get() {
		callback := callback
		safeInvoke("onPublicMessage", func() { callback(message) })
	}
}

func (self *ChatEvents) emitPrivateMessage(message *ChatMessage) {
	for _, callback := range self.privateMessageCallbacks.Get() {
		callback := callback
		safeInvoke("onPrivateMessage", func() { callback(message) })
	}
}

func (self *ChatEvents) emitUserOnline(userId string) {
	for _, callback := range self.userOnlineCallbacks.Get() {
		callback := callback
		safeInvoke("onUserOnline", func() { callback(userId) })
	}
}

func (self *ChatEvents) emitUserOffline(userId string) {
	for _, callback := range self.userOfflineCallbacks.Get() {
		callback := callback
		safeInvoke("onUserOffline", func() { callback(userId) })
	}
}

func (self *ChatEvents) emitSystemMessage(notice *SystemNotice) {
	for _, callback := range self.systemMessageCallbacks.Get() {
		callback := callback
		safeInvoke("onSystemMessage", func() { callback(notice) })
	}
}

func (self *ChatEvents) emitNotification(text string) {
	for _, callback := range self.notificationCallbacks.Get() {
		callback := callback
		safeInvoke("onNotification", func() { callback(text) })
	}
}

func (self *ChatEvents) emitFriendsUpdated(friends []*Friend) {
	for _, callback := range self.friendsUpdatedCallbacks.Get() {
		callback := callback
		safeInvoke("friendsUpdated", func() { callback(friends) })
	}
}

func (self *ChatEvents) emitFriendRequestsUpdated(requests []*FriendRequest) {
	for _, callback := range self.friendRequestsUpdatedCallbacks.Get() {
		callback := callback
		safeInvoke("friendRequestsUpdated", func() { callback(requests) })
	}
}

func (self *ChatEvents) emitGroupsUpdated(groups []*Group) {
	for _, callback := range self.groupsUpdatedCallbacks.Get() {
		callback := callback
		safeInvoke("groupsUpdated", func() { callback(groups) })
	}
}

func (self *ChatEvents) emitGroupInvitationsUpdated(invitations []*GroupInvitation) {
	for _, callback := range self.invitationsUpdatedCallbacks.Get() {
		callback := callback
		safeInvoke("groupInvitationsUpdated", func() { callback(invitations) })
	}
}

func (self *ChatEvents) emitGroupMemberChanged(notice *GroupNotice) {
	for _, callback := range self.groupMemberChangedCallbacks.Get() {
		callback := callback
		safeInvoke("onGroupMemberChanged", func() { callback(notice) })
	}
}

func (self *ChatEvents) emitGroupInfoChanged(notice *GroupNotice) {
	for _, callback := range self.groupInfoChangedCallbacks.Get() {
		callback := callback
		safeInvoke("onGroupInfoChanged", func() { callback(notice) })
	}
}

func (self *ChatEvents) emitGroupDissolved(groupId string) {
	for _, callback := range self.groupDissolvedCallbacks.Get() {
		callback := callback
		safeInvoke("onGroupDissolved", func() { callback(groupId) })
	}
}

func (self *ChatEvents) emitMessageAck(ack *MessageAck) {
	for _, callback := range self.messageAckCallbacks.Get() {
		callback := callback
		safeInvoke("onMessageAck", func() { callback(ack) })
	}
}
