package messaging

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidTopic is returned for topic names that do not match the naming rules
var ErrInvalidTopic = errors.New("invalid topic")

var topicPattern = regexp.MustCompile(`^_?([a-z0-9\-]+:)+([a-z0-9\-]+)$`)

// ValidateTopic checks that topic is a colon separated lower case name such as
// "search:parsers:events"
func ValidateTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// IsServiceTopic reports whether topic is an internal service topic
func IsServiceTopic(topic string) bool {
	return strings.HasPrefix(topic, "_")
}

// ResponseTopic returns the private response topic of a service instance
func ResponseTopic(namespace, instanceID string) string {
	return namespace + ":response:" + instanceID
}
