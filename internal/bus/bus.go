// Package bus publishes advisory messages to the out-of-process workers that
// run media pipelines. Publishing is one-way: the orchestrator never waits for
// a worker and a failed publish never changes an orchestration result.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaycast/internal/models"
)

// Topics understood by workers.
const (
	TopicStartPush   = "process:start:push"
	TopicStartRepush = "process:start:repush"
	TopicEndPush     = "process:end:push"
	TopicStartPull   = "process:start:pull"
	TopicEndPull     = "process:end:pull"
	TopicStreamStart = "stream:start"
	TopicStreamEnd   = "stream:end"
	TopicStreamUpd   = "stream:update"
	TopicStreamDel   = "stream:delete"
)

var knownTopics = map[string]struct{}{
	TopicStartPush:   {},
	TopicStartRepush: {},
	TopicEndPush:     {},
	TopicStartPull:   {},
	TopicEndPull:     {},
	TopicStreamStart: {},
	TopicStreamEnd:   {},
	TopicStreamUpd:   {},
	TopicStreamDel:   {},
}

// ErrUnknownTopic is returned when publishing to a topic workers do not
// subscribe to.
var ErrUnknownTopic = errors.New("unknown bus topic")

// Message is the payload attached to every topic. ID is the stream id.
type Message struct {
	ID       string               `json:"id"`
	Worker   string               `json:"worker,omitempty"`
	Delay    int                  `json:"delay,omitempty"`
	Status   *models.StreamStatus `json:"status,omitempty"`
	Accounts []string             `json:"accounts,omitempty"`
	Pull     string               `json:"pull,omitempty"`
}

// Envelope is a published message together with its routing information.
type Envelope struct {
	Topic       string    `json:"topic"`
	Message     Message   `json:"message"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Publisher sends advisory messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg Message) error
}

// ValidateTopic reports whether topic is one workers understand.
func ValidateTopic(topic string) error {
	if _, ok := knownTopics[topic]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return nil
}

func validate(topic string, msg Message) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if msg.ID == "" {
		return errors.New("bus message id is required")
	}
	return nil
}
