package chatclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Social state store: the in-memory authoritative cache of the current
// user's social graph and message histories. Only the bootstrap path and
// the reconciliation engine mutate it. Refresh results always overwrite
// the corresponding slice wholesale, never merge, because push delivery
// ordering across queues is not guaranteed relative to the http layer.

type FriendStatus string

const (
	FriendStatusRequested FriendStatus = "requested"
	FriendStatusAccepted  FriendStatus = "accepted"
	FriendStatusRejected  FriendStatus = "rejected"
	FriendStatusDeleted   FriendStatus = "deleted"
)

type DisplayStatus string

const (
	DisplayStatusPending  DisplayStatus = "pending"
	DisplayStatusSent     DisplayStatus = "sent"
	DisplayStatusAccepted DisplayStatus = "accepted"
	DisplayStatusRejected DisplayStatus = "rejected"
)

type Friend struct {
	FirstUserId    string `json:"firstUserId"`
	SecondUserId   string `json:"secondUserId"`
	FirstUsername  string `json:"firstUsername,omitempty"`
	SecondUsername string `json:"secondUsername,omitempty"`
	Online         bool   `json:"isOnline"`
}

// the pair id is the ordered user id pair
func (self *Friend) PairId() string {
	return fmt.Sprintf("%s:%s", self.FirstUserId, self.SecondUserId)
}

func (self *Friend) OtherUserId(currentUserId string) string {
	if self.FirstUserId == currentUserId {
		return self.SecondUserId
	}
	return self.FirstUserId
}

func (self *Friend) OtherUsername(currentUserId string) string {
	if self.FirstUserId == currentUserId {
		return self.SecondUsername
	}
	return self.FirstUsername
}

type FriendRequest struct {
	// firstUserId is the sender, secondUserId the receiver
	FirstUserId    string       `json:"firstUserId"`
	SecondUserId   string       `json:"secondUserId"`
	FirstUsername  string       `json:"firstUsername,omitempty"`
	SecondUsername string       `json:"secondUsername,omitempty"`
	Status         FriendStatus `json:"status"`
	// derived, never trusted from the wire
	DisplayStatus DisplayStatus `json:"displayStatus,omitempty"`
	CreatedAt     time.Time     `json:"created_at,omitempty"`
}

// DeriveDisplayStatus is a pure function of the raw status and which side
// of the request the current user is on. Unrecognized raw statuses default
// to pending.
func DeriveDisplayStatus(status FriendStatus, currentUserId string, firstUserId string, secondUserId string) DisplayStatus {
	sender := currentUserId == firstUserId
	switch status {
	case FriendStatusRequested:
		if sender {
			return DisplayStatusSent
		}
		return DisplayStatusPending
	case FriendStatusAccepted:
		return DisplayStatusAccepted
	case FriendStatusRejected, FriendStatusDeleted:
		return DisplayStatusRejected
	default:
		return DisplayStatusPending
	}
}

type Group struct {
	GroupId   string `json:"groupId"`
	GroupName string `json:"groupName"`
	Role      string `json:"role,omitempty"`
}

type InvitationStatus string

const (
	InvitationStatusPending  InvitationStatus = "pending"
	InvitationStatusAccepted InvitationStatus = "accepted"
	InvitationStatusRejected InvitationStatus = "rejected"
)

type GroupInvitation struct {
	Id          int64            `json:"id"`
	GroupId     string           `json:"groupId"`
	GroupName   string           `json:"groupName"`
	InviterId   string           `json:"inviterId"`
	InviterName string           `json:"inviterName,omitempty"`
	InviteeId   string           `json:"inviteeId"`
	Status      InvitationStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt,omitempty"`
}

type FileMetadata struct {
	FileName string `json:"fileName"`
	FileUrl  string `json:"fileUrl"`
	FileSize int64  `json:"fileSize,omitempty"`
	FileType string `json:"fileType,omitempty"`
}

type ChatMessage struct {
	// the authoritative message id, filled by the server or by an ack
	MessageId  string        `json:"id,omitempty"`
	TempId     string        `json:"tempId,omitempty"`
	SenderId   string        `json:"senderId"`
	SenderName string        `json:"senderName,omitempty"`
	ReceiverId string        `json:"receiverId,omitempty"`
	GroupId    string        `json:"groupId,omitempty"`
	Content    string        `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	File       *FileMetadata `json:"fileMetadata,omitempty"`
}

// matches the broker's MessageAck shape
type MessageAck struct {
	TempId      string    `json:"tempId"`
	RealId      string    `json:"realId,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
	MessageType string    `json:"messageType,omitempty"`
}

type SocialStore struct {
	stateLock sync.Mutex

	userId   string
	username string

	friends          []*Friend
	friendRequests   []*FriendRequest
	groups           []*Group
	groupInvitations []*GroupInvitation

	privateMessages []*ChatMessage
	// groupId -> ordered message sequence
	groupMessages map[string][]*ChatMessage
}

func NewSocialStore() *SocialStore {
	return &SocialStore{
		groupMessages: map[string][]*ChatMessage{},
	}
}

func (self *SocialStore) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

func (self *SocialStore) Username() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.username
}

func (self *SocialStore) Friends() []*Friend {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*Friend, len(self.friends))
	copy(out, self.friends)
	return out
}

func (self *SocialStore) FriendRequests() []*FriendRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*FriendRequest, len(self.friendRequests))
	copy(out, self.friendRequests)
	return out
}

func (self *SocialStore) Groups() []*Group {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*Group, len(self.groups))
	copy(out, self.groups)
	return out
}

func (self *SocialStore) GroupInvitations() []*GroupInvitation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*GroupInvitation, len(self.groupInvitations))
	copy(out, self.groupInvitations)
	return out
}

func (self *SocialStore) PrivateMessages() []*ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*ChatMessage, len(self.privateMessages))
	copy(out, self.privateMessages)
	return out
}

func (self *SocialStore) GroupMessages(groupId string) []*ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	messages := self.groupMessages[groupId]
	out := make([]*ChatMessage, len(messages))
	copy(out, messages)
	return out
}

func (self *SocialStore) GroupMessageKeys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	keys := make([]string, 0, len(self.groupMessages))
	for groupId := range self.groupMessages {
		keys = append(keys, groupId)
	}
	return keys
}

func (self *SocialStore) ApplyBootstrap(bootstrap *UserBootstrapData) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.userId = bootstrap.UserId
	self.username = bootstrap.Username
	self.friends = dedupeFriends(bootstrap.Friends)
	self.friendRequests = dedupeFriendRequests(bootstrap.FriendRequests)
	for _, request := range self.friendRequests {
		request.DisplayStatus = DeriveDisplayStatus(request.Status, self.userId, request.FirstUserId, request.SecondUserId)
	}
	self.groups = dedupeGroups(bootstrap.Groups)
	self.groupInvitations = []*GroupInvitation{}
	for _, invitation := range bootstrap.GroupInvitations {
		self.upsertGroupInvitationLocked(invitation)
	}
	self.privateMessages = append([]*ChatMessage{}, bootstrap.PrivateMessages...)
	self.groupMessages = map[string][]*ChatMessage{}
	for groupId, messages := range bootstrap.GroupMessages {
		self.groupMessages[groupId] = append([]*ChatMessage{}, messages...)
	}
}

// wholesale replacement. the fetched snapshot is authoritative.
func (self *SocialStore) SetFriends(friends []*Friend) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.friends = dedupeFriends(friends)
}

func (self *SocialStore) SetFriendRequests(requests []*FriendRequest) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.friendRequests = dedupeFriendRequests(requests)
	for _, request := range self.friendRequests {
		request.DisplayStatus = DeriveDisplayStatus(request.Status, self.userId, request.FirstUserId, request.SecondUserId)
	}
}

func (self *SocialStore) SetGroups(groups []*Group) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.groups = dedupeGroups(groups)
}

func (self *SocialStore) SetGroupInvitations(invitations []*GroupInvitation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.groupInvitations = []*GroupInvitation{}
	for _, invitation := range invitations {
		self.upsertGroupInvitationLocked(invitation)
	}
}

// AppendPrivateMessage reconciles by the authoritative id first, then by
// temp id: a copy of a message the client already holds replaces the held
// entry instead of duplicating it.
func (self *SocialStore) AppendPrivateMessage(message *ChatMessage) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if i, ok := indexOfMessage(self.privateMessages, message); ok {
		self.privateMessages[i] = message
		return false
	}
	self.privateMessages = append(self.privateMessages, message)
	return true
}

func (self *SocialStore) AppendGroupMessage(message *ChatMessage) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	messages := self.groupMessages[message.GroupId]
	if i, ok := indexOfMessage(messages, message); ok {
		messages[i] = message
		return false
	}
	self.groupMessages[message.GroupId] = append(messages, message)
	return true
}

func indexOfMessage(messages []*ChatMessage, message *ChatMessage) (int, bool) {
	if message.MessageId != "" {
		for i, existing := range messages {
			if existing.MessageId == message.MessageId {
				return i, true
			}
		}
	}
	if message.TempId != "" {
		for i, existing := range messages {
			if existing.TempId == message.TempId {
				return i, true
			}
		}
	}
	return -1, false
}

// RemoveMessageByTempId takes an optimistic entry back out after its send
// failed. An empty groupId addresses the private sequence.
func (self *SocialStore) RemoveMessageByTempId(groupId string, tempId string) bool {
	if tempId == "" {
		return false
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if groupId == "" {
		for i, existing := range self.privateMessages {
			if existing.TempId == tempId {
				self.privateMessages = append(self.privateMessages[:i], self.privateMessages[i+1:]...)
				return true
			}
		}
		return false
	}
	messages := self.groupMessages[groupId]
	for i, existing := range messages {
		if existing.TempId == tempId {
			self.groupMessages[groupId] = append(messages[:i], messages[i+1:]...)
			return true
		}
	}
	return false
}

// AckMessage marks the optimistic entry matching the ack's temp id with
// its authoritative id and clears the temp id; the authoritative id owns
// dedupe of the later echo from here on. Returns the acknowledged message,
// or nil when no entry matches.
func (self *SocialStore) AckMessage(ack *MessageAck) *ChatMessage {
	if ack.TempId == "" {
		return nil
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, message := range self.privateMessages {
		if message.TempId == ack.TempId {
			message.MessageId = ack.RealId
			message.TempId = ""
			return message
		}
	}
	for _, messages := range self.groupMessages {
		for _, message := range messages {
			if message.TempId == ack.TempId {
				message.MessageId = ack.RealId
				message.TempId = ""
				return message
			}
		}
	}
	return nil
}

// returns the number of friend entries whose presence changed
func (self *SocialStore) SetFriendOnline(userId string, online bool) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	updated := 0
	for _, friend := range self.friends {
		if friend.FirstUserId == userId || friend.SecondUserId == userId {
			if friend.Online != online {
				friend.Online = online
				updated += 1
			}
		}
	}
	return updated
}

// returns false if a request for the same (first, second) pair already exists
func (self *SocialStore) UpsertFriendRequest(request *FriendRequest) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, existing := range self.friendRequests {
		if existing.FirstUserId == request.FirstUserId && existing.SecondUserId == request.SecondUserId {
			return false
		}
	}
	request.DisplayStatus = DeriveDisplayStatus(request.Status, self.userId, request.FirstUserId, request.SecondUserId)
	self.friendRequests = append(self.friendRequests, request)
	return true
}

func (self *SocialStore) RemoveFriendRequest(firstUserId string, secondUserId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, existing := range self.friendRequests {
		if existing.FirstUserId == firstUserId && existing.SecondUserId == secondUserId {
			self.friendRequests = append(self.friendRequests[:i], self.friendRequests[i+1:]...)
			return true
		}
	}
	return false
}

func (self *SocialStore) MarkFriendRequestRejected(firstUserId string, secondUserId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, existing := range self.friendRequests {
		if existing.FirstUserId == firstUserId && existing.SecondUserId == secondUserId {
			existing.Status = FriendStatusRejected
			existing.DisplayStatus = DeriveDisplayStatus(existing.Status, self.userId, existing.FirstUserId, existing.SecondUserId)
			return true
		}
	}
	return false
}

// deduped by id or by (groupId, inviterId); an invitation must not appear
// twice under either key
func (self *SocialStore) UpsertGroupInvitation(invitation *GroupInvitation) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.upsertGroupInvitationLocked(invitation)
}

func (self *SocialStore) upsertGroupInvitationLocked(invitation *GroupInvitation) bool {
	for i, existing := range self.groupInvitations {
		if existing.Id == invitation.Id ||
			(existing.GroupId == invitation.GroupId && existing.InviterId == invitation.InviterId) {
			self.groupInvitations[i] = invitation
			return false
		}
	}
	self.groupInvitations = append(self.groupInvitations, invitation)
	return true
}

func (self *SocialStore) RemoveGroup(groupId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, existing := range self.groups {
		if existing.GroupId == groupId {
			self.groups = append(self.groups[:i], self.groups[i+1:]...)
			return true
		}
	}
	return false
}

func (self *SocialStore) RenameGroup(groupId string, groupName string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, existing := range self.groups {
		if existing.GroupId == groupId {
			existing.GroupName = groupName
			return true
		}
	}
	return false
}

func (self *SocialStore) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.userId = ""
	self.username = ""
	self.friends = nil
	self.friendRequests = nil
	self.groups = nil
	self.groupInvitations = nil
	self.privateMessages = nil
	self.groupMessages = map[string][]*ChatMessage{}
}

func dedupeFriends(friends []*Friend) []*Friend {
	out := []*Friend{}
	seen := map[string]bool{}
	for _, friend := range friends {
		if friend == nil || seen[friend.PairId()] {
			continue
		}
		seen[friend.PairId()] = true
		out = append(out, friend)
	}
	return out
}

func dedupeFriendRequests(requests []*FriendRequest) []*FriendRequest {
	out := []*FriendRequest{}
	seen := map[string]bool{}
	for _, request := range requests {
		if request == nil {
			continue
		}
		key := fmt.Sprintf("%s:%s", request.FirstUserId, request.SecondUserId)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, request)
	}
	return out
}

func dedupeGroups(groups []*Group) []*Group {
	out := []*Group{}
	seen := map[string]bool{}
	for _, group := range groups {
		if group == nil || seen[group.GroupId] {
			continue
		}
		seen[group.GroupId] = true
		out = append(out, group)
	}
	return out
}

// UserBootstrapData is the decoded bootstrap payload.
type UserBootstrapData struct {
	UserId           string
	Username         string
	Friends          []*Friend
	Groups           []*Group
	GroupMessages    map[string][]*ChatMessage
	PrivateMessages  []*ChatMessage
	FriendRequests   []*FriendRequest
	GroupInvitations []*GroupInvitation
}

type bootstrapPayload struct {
	UserId           string          `json:"userId"`
	Username         string          `json:"username"`
	Friends          json.RawMessage `json:"friends"`
	Groups           json.RawMessage `json:"groups"`
	GroupMessages    json.RawMessage `json:"groupMessages"`
	PrivateMessages  json.RawMessage `json:"privateMessages"`
	FriendRequests   json.RawMessage `json:"friendRequests"`
	GroupInvitations json.RawMessage `json:"groupInvitations"`
}

// DecodeBootstrap decodes the one-shot bootstrap payload. Several fields
// arrive as json encoded inside json strings, depending on which cache
// layer served them. A decode failure on one field logs and leaves that
// field empty; it never aborts the other fields.
func DecodeBootstrap(payload []byte) (*UserBootstrapData, error) {
	raw := &bootstrapPayload{}
	if err := json.Unmarshal(payload, raw); err != nil {
		return nil, &ParseError{Cause: err}
	}

	bootstrap := &UserBootstrapData{
		UserId:        raw.UserId,
		Username:      raw.Username,
		GroupMessages: map[string][]*ChatMessage{},
	}

	bootstrap.Friends = decodeNested[[]*Friend](raw.Friends, "friends")
	bootstrap.Groups = decodeNested[[]*Group](raw.Groups, "groups")
	bootstrap.PrivateMessages = decodeNested[[]*ChatMessage](raw.PrivateMessages, "privateMessages")
	bootstrap.FriendRequests = decodeNested[[]*FriendRequest](raw.FriendRequests, "friendRequests")
	bootstrap.GroupInvitations = decodeNested[[]*GroupInvitation](raw.GroupInvitations, "groupInvitations")

	// the payload carries a sequence of per-group message lists. each list
	// is keyed by the group id found on its first element.
	groupMessageLists := decodeNested[[][]*ChatMessage](raw.GroupMessages, "groupMessages")
	for _, messages := range groupMessageLists {
		if len(messages) == 0 || messages[0] == nil {
			continue
		}
		groupId := messages[0].GroupId
		if groupId == "" {
			glog.Warningf("[bootstrap]group message list without group id, dropped\n")
			continue
		}
		bootstrap.GroupMessages[groupId] = append(bootstrap.GroupMessages[groupId], messages...)
	}

	return bootstrap, nil
}

// decodeNested tolerates both a plain json value and a json string that
// itself contains json.
func decodeNested[T any](raw json.RawMessage, field string) T {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out
	}
	data := []byte(raw)
	if data[0] == '"' {
		var nested string
		if err := json.Unmarshal(data, &nested); err != nil {
			glog.Warningf("[bootstrap]%s: %s, using empty default\n", field, err)
			return out
		}
		data = []byte(nested)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		glog.Warningf("[bootstrap]%s: %s, using empty default\n", field, err)
		var empty T
		return empty
	}
	return out
}
