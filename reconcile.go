package chatclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// Wire shapes for the push queues.

const (
	PresenceStatusOnline  = "ONLINE"
	PresenceStatusOffline = "OFFLINE"
)

type StatusMessage struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

type HeartbeatMessage struct {
	UserId string `json:"userId"`
}

const (
	NoticeTypeFriendRequest          = "friendRequest"
	NoticeTypeFriendAccept           = "friendAccept"
	NoticeTypeFriendReject           = "friendReject"
	NoticeTypeFriendRequestCancelled = "friendRequestCancelled"
	NoticeTypeGroupInvite            = "groupInvite"
)

type SystemNotice struct {
	Type          string           `json:"type"`
	Message       string           `json:"message,omitempty"`
	FriendRequest *FriendRequest   `json:"friendRequest,omitempty"`
	Invitation    *GroupInvitation `json:"invitation,omitempty"`
}

const (
	GroupNoticeTypeMemberRemoved = "memberRemoved"
	GroupNoticeTypeRenamed       = "groupRenamed"
	GroupNoticeTypeDissolved     = "groupDissolved"
)

type GroupNotice struct {
	Type      string `json:"type"`
	GroupId   string `json:"groupId"`
	GroupName string `json:"groupName,omitempty"`
	UserId    string `json:"userId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// The reconciliation engine. Pushed events for categories the http layer
// also owns (friend acceptance, group membership) are treated as hints:
// the engine refetches the authoritative state instead of trusting the
// push payload, because delivery ordering across queues is not guaranteed
// relative to the http layer. Plain chat and presence apply directly.

func (self *ChatClient) dispatchFrame(frame *Frame, generation int) {
	switch frame.Type {
	case FrameTypeMessage:
	case FrameTypeError:
		message := frame.Headers[FrameHeaderMessage]
		if message == "" {
			message = "server error"
		}
		self.events.emitError(errors.New(message))
		return
	default:
		glog.V(2).Infof("[rec]ignore frame type %s\n", frame.Type)
		return
	}

	if groupId, ok := GroupIdFromTopic(frame.Destination); ok {
		self.handleGroupMessage(groupId, frame)
		return
	}

	switch frame.Destination {
	case QueuePrivate:
		self.handlePrivateMessage(frame)
	case QueueOnline:
		self.handlePresence(frame, true)
	case QueueOffline:
		self.handlePresence(frame, false)
	case QueueSystem:
		self.handleSystemNotice(frame, generation)
	case QueueNotifications:
		self.handleGroupNotice(frame, generation)
	case QueueMessageAck:
		self.handleMessageAck(frame)
	default:
		glog.V(1).Infof("[rec]ignore destination %s\n", frame.Destination)
	}
}

// a bad frame body is local to that frame: log, surface, drop, continue
func (self *ChatClient) dropFrame(frame *Frame, cause error) {
	parseErr := &ParseError{Destination: frame.Destination, Cause: cause}
	glog.Warningf("[rec]%s\n", parseErr)
	self.events.emitError(parseErr)
}

func (self *ChatClient) handleGroupMessage(groupId string, frame *Frame) {
	message := &ChatMessage{}
	if err := json.Unmarshal(frame.Body, message); err != nil {
		self.dropFrame(frame, err)
		return
	}
	if message.SenderId == "" || (message.Content == "" && message.File == nil) {
		self.dropFrame(frame, fmt.Errorf("group message missing required fields"))
		return
	}
	// the topic is authoritative for the group id
	message.GroupId = groupId
	self.store.AppendGroupMessage(message)
	self.events.emitPublicMessage(message)
}

func (self *ChatClient) handlePrivateMessage(frame *Frame) {
	message := &ChatMessage{}
	if err := json.Unmarshal(frame.Body, message); err != nil {
		self.dropFrame(frame, err)
		return
	}
	if message.SenderId == "" || (message.Content == "" && message.File == nil) {
		self.dropFrame(frame, fmt.Errorf("private message missing required fields"))
		return
	}
	self.store.AppendPrivateMessage(message)
	self.events.emitPrivateMessage(message)
}

func (self *ChatClient) handlePresence(frame *Frame, online bool) {
	status := &StatusMessage{}
	if err := json.Unmarshal(frame.Body, status); err != nil {
		self.dropFrame(frame, err)
		return
	}
	if status.UserId == "" {
		self.dropFrame(frame, fmt.Errorf("presence missing userId"))
		return
	}
	updated := self.store.SetFriendOnline(status.UserId, online)
	glog.V(1).Infof("[rec]presence %s online=%t updated=%d\n", status.UserId, online, updated)
	if online {
		self.events.emitUserOnline(status.UserId)
	} else {
		self.events.emitUserOffline(status.UserId)
	}
}

func (self *ChatClient) handleSystemNotice(frame *Frame, generation int) {
	notice := &SystemNotice{}
	if err := json.Unmarshal(frame.Body, notice); err != nil {
		self.dropFrame(frame, err)
		return
	}

	switch notice.Type {
	case NoticeTypeFriendRequest:
		if notice.FriendRequest == nil {
			self.dropFrame(frame, fmt.Errorf("%s notice missing request", notice.Type))
			return
		}
		if self.store.UpsertFriendRequest(notice.FriendRequest) {
			self.events.emitSystemMessage(notice)
		}
	case NoticeTypeFriendAccept:
		if notice.FriendRequest != nil {
			self.store.RemoveFriendRequest(notice.FriendRequest.FirstUserId, notice.FriendRequest.SecondUserId)
		}
		// the push is a hint. refetch friends and requests and let the
		// snapshots win.
		self.refreshFriends(generation)
		self.refreshFriendRequests(generation)
	case NoticeTypeFriendReject, NoticeTypeFriendRequestCancelled:
		if notice.FriendRequest != nil {
			self.store.MarkFriendRequestRejected(notice.FriendRequest.FirstUserId, notice.FriendRequest.SecondUserId)
		}
		self.refreshFriendRequests(generation)
		text := notice.Message
		if text == "" {
			text = "friend request declined"
		}
		self.events.emitNotification(text)
	case NoticeTypeGroupInvite:
		self.handleGroupInvite(notice, generation)
	default:
		glog.V(1).Infof("[rec]ignore system notice type %s\n", notice.Type)
	}
}

func (self *ChatClient) handleGroupInvite(notice *SystemNotice, generation int) {
	invitation := notice.Invitation
	if invitation == nil {
		glog.Warningf("[rec]group invite notice missing invitation\n")
		return
	}

	if invitation.Status == InvitationStatusAccepted && invitation.InviteeId == self.store.UserId() {
		// this client joined the group through another surface. refetch
		// the authoritative membership and invitation lists.
		self.refreshGroups(generation)
		self.refreshGroupInvitations(generation)
		self.events.emitNotification(fmt.Sprintf("joined group %s", invitation.GroupName))
		return
	}

	inserted := self.store.UpsertGroupInvitation(invitation)
	if inserted && invitation.Status == InvitationStatusPending {
		self.events.emitSystemMessage(notice)
		self.events.emitNotification(fmt.Sprintf("%s invited you to %s", invitation.InviterName, invitation.GroupName))
	}
}

func (self *ChatClient) handleGroupNotice(frame *Frame, generation int) {
	notice := &GroupNotice{}
	if err := json.Unmarshal(frame.Body, notice); err != nil {
		self.dropFrame(frame, err)
		return
	}
	if notice.GroupId == "" {
		self.dropFrame(frame, fmt.Errorf("group notice missing groupId"))
		return
	}

	switch notice.Type {
	case GroupNoticeTypeMemberRemoved:
		if notice.UserId == self.store.UserId() {
			self.store.RemoveGroup(notice.GroupId)
			self.refreshGroups(generation)
		}
		self.events.emitGroupMemberChanged(notice)
	case GroupNoticeTypeRenamed:
		self.store.RenameGroup(notice.GroupId, notice.GroupName)
		self.events.emitGroupInfoChanged(notice)
	case GroupNoticeTypeDissolved:
		self.store.RemoveGroup(notice.GroupId)
		self.pruneSubscriptions(generation)
		self.events.emitGroupDissolved(notice.GroupId)
	default:
		glog.V(1).Infof("[rec]ignore group notice type %s\n", notice.Type)
	}
}

func (self *ChatClient) handleMessageAck(frame *Frame) {
	ack := &MessageAck{}
	if err := json.Unmarshal(frame.Body, ack); err != nil {
		self.dropFrame(frame, err)
		return
	}
	if ack.TempId == "" {
		self.dropFrame(frame, fmt.Errorf("ack missing tempId"))
		return
	}

	if _, pending := self.takePendingSend(ack.TempId); !pending {
		// duplicate or unknown ack
		glog.V(1).Infof("[rec]ack with no pending send tempId=%s\n", ack.TempId)
		return
	}
	self.store.AckMessage(ack)
	if !ack.Success {
		self.events.emitError(&PublishError{Cause: fmt.Errorf("server rejected message %s: %s", ack.TempId, ack.Error)})
	}
	self.events.emitMessageAck(ack)
}

// refresh helpers. every one re-checks that the connection that triggered
// it is still the live one before applying, so a disconnect racing an
// in-flight fetch makes the resolution a no-op. a failed refresh keeps the
// stale cache.

func (self *ChatClient) applyIfCurrent(generation int, apply func()) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.generation != generation || self.state != ConnectionStateConnected {
		return false
	}
	apply()
	return true
}

func (self *ChatClient) refreshFriends(generation int) bool {
	friends, err := self.api.FetchFriends(self.ctx, self.store.UserId())
	if err != nil {
		refreshErr := &RefreshError{What: "friends", Cause: err}
		glog.Infof("[rec]%s\n", refreshErr)
		self.events.emitError(refreshErr)
		return false
	}
	if !self.applyIfCurrent(generation, func() {
		self.store.SetFriends(friends)
	}) {
		return false
	}
	self.events.emitFriendsUpdated(self.store.Friends())
	return true
}

func (self *ChatClient) refreshFriendRequests(generation int) bool {
	requests, err := self.api.FetchFriendRequests(self.ctx, self.store.UserId())
	if err != nil {
		refreshErr := &RefreshError{What: "friendRequests", Cause: err}
		glog.Infof("[rec]%s\n", refreshErr)
		self.events.emitError(refreshErr)
		return false
	}
	if !self.applyIfCurrent(generation, func() {
		self.store.SetFriendRequests(requests)
	}) {
		return false
	}
	self.events.emitFriendRequestsUpdated(self.store.FriendRequests())
	return true
}

func (self *ChatClient) refreshGroups(generation int) bool {
	groups, err := self.api.FetchGroupMemberships(self.ctx)
	if err != nil {
		refreshErr := &RefreshError{What: "groups", Cause: err}
		glog.Infof("[rec]%s\n", refreshErr)
		self.events.emitError(refreshErr)
		return false
	}
	var subscriptions *subscriptionManager
	if !self.applyIfCurrent(generation, func() {
		self.store.SetGroups(groups)
		subscriptions = self.subscriptions
	}) {
		return false
	}
	// membership changed, converge the group topic subscriptions
	if subscriptions != nil {
		if err := subscriptions.SubscribeDynamic(self.store.Groups()); err != nil {
			self.events.emitError(err)
		}
	}
	self.events.emitGroupsUpdated(self.store.Groups())
	return true
}

func (self *ChatClient) refreshGroupInvitations(generation int) bool {
	invitations, err := self.api.FetchReceivedGroupInvitations(self.ctx)
	if err != nil {
		refreshErr := &RefreshError{What: "groupInvitations", Cause: err}
		glog.Infof("[rec]%s\n", refreshErr)
		self.events.emitError(refreshErr)
		return false
	}
	if !self.applyIfCurrent(generation, func() {
		self.store.SetGroupInvitations(invitations)
	}) {
		return false
	}
	self.events.emitGroupInvitationsUpdated(self.store.GroupInvitations())
	return true
}

func (self *ChatClient) pruneSubscriptions(generation int) {
	var subscriptions *subscriptionManager
	self.applyIfCurrent(generation, func() {
		subscriptions = self.subscriptions
	})
	if subscriptions == nil {
		return
	}
	if err := subscriptions.SubscribeDynamic(self.store.Groups()); err != nil {
		self.events.emitError(err)
	}
}
