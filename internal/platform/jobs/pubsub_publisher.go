// Package jobs publishes order side effects to Pub/Sub topics.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
)

// topicPublisher sends JSON payloads to a single Pub/Sub topic and waits for the server ack.
type topicPublisher struct {
	name    string
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

func newTopicPublisher(name string, topic *pubsub.Topic) (topicPublisher, error) {
	if topic == nil {
		return topicPublisher{}, fmt.Errorf("%s: topic is required", name)
	}
	return topicPublisher{name: name, topic: topic, marshal: json.Marshal}, nil
}

func (p topicPublisher) publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	if p.topic == nil {
		return "", errors.New(p.name + ": not initialised")
	}
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: marshal: %w", p.name, err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: publish: %w", p.name, err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
