package chatclient

import (
	"fmt"
	"strings"
)

// Destination naming is a protocol contract with the broker. Do not change
// these without a coordinated server change.

const (
	SendGroupChat       = "/app/chat/group"
	SendPrivateChat     = "/app/chat/private"
	SendHeartbeat       = "/app/heartbeat"
	SendPresenceOnline  = "/app/presence/online"
	SendPresenceOffline = "/app/presence/offline"
)

const (
	QueuePrivate       = "/user/queue/private"
	QueueSystem        = "/user/queue/system"
	QueueNotifications = "/user/queue/notifications"
	QueueOnline        = "/user/queue/online"
	QueueOffline       = "/user/queue/offline"
	QueueMessageAck    = "/user/queue/message-ack"
)

const groupTopicPrefix = "/topic/group/"
const groupTopicSuffix = "/events"

// group topics are keyed by the raw group id
func GroupTopic(groupId string) string {
	return fmt.Sprintf("%s%s%s", groupTopicPrefix, groupId, groupTopicSuffix)
}

func GroupIdFromTopic(destination string) (string, bool) {
	if !strings.HasPrefix(destination, groupTopicPrefix) || !strings.HasSuffix(destination, groupTopicSuffix) {
		return "", false
	}
	groupId := destination[len(groupTopicPrefix) : len(destination)-len(groupTopicSuffix)]
	if groupId == "" {
		return "", false
	}
	return groupId, true
}

// FixedQueues is the subscription set every session needs regardless of
// group membership.
func FixedQueues() []string {
	return []string{
		QueuePrivate,
		QueueSystem,
		QueueNotifications,
		QueueOnline,
		QueueOffline,
		QueueMessageAck,
	}
}
