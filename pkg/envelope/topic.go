package envelope

import (
	"fmt"
	"strings"
)

// Devices publish on bike/{bike_id}/{kind}. The device-id segment is a
// routing hint only; the payload bike_id is authoritative.
const topicPrefix = "bike"

// TopicFor returns the publish topic for one bike and message category.
func TopicFor(bikeID string, t MessageType) string {
	return fmt.Sprintf("%s/%s/%s", topicPrefix, bikeID, t)
}

// WildcardTopics returns the subscription patterns covering every message
// category, one pattern per category.
func WildcardTopics() []string {
	return []string{
		fmt.Sprintf("%s/+/%s", topicPrefix, TypeTelemetry),
		fmt.Sprintf("%s/+/%s", topicPrefix, TypeFleet),
		fmt.Sprintf("%s/+/%s", topicPrefix, TypeSport),
	}
}

// ParseTopic extracts the device-id segment and normalized message category
// from a concrete topic. ok is false when the topic does not follow the
// bike/{bike_id}/{kind} scheme.
func ParseTopic(topic string) (bikeID string, t MessageType, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix || parts[1] == "" {
		return "", TypeUnknown, false
	}
	return parts[1], NormalizeType(parts[2]), true
}
