package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/fixnest/api/internal/services"
)

// PubSubRequestPaidPublisher publishes request.paid events to a Pub/Sub topic
// consumed by the provider-assignment worker.
type PubSubRequestPaidPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubRequestPaidPublisher constructs a Pub/Sub backed request.paid publisher.
func NewPubSubRequestPaidPublisher(topic *pubsub.Topic) (*PubSubRequestPaidPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub request paid publisher: topic is required")
	}
	return &PubSubRequestPaidPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRequestPaid enqueues a request.paid message on the configured topic.
func (p *PubSubRequestPaidPublisher) PublishRequestPaid(ctx context.Context, event services.RequestPaidEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub request paid publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal request paid event: %w", err)
	}

	attrs := map[string]string{"eventType": "request.paid"}
	setAttr(attrs, "requestId", event.RequestID)
	setAttr(attrs, "ownerId", event.OwnerID)
	setAttr(attrs, "intentId", event.IntentID)
	setAttr(attrs, "currency", event.Currency)
	if event.Total > 0 {
		attrs["total"] = strconv.FormatInt(event.Total, 10)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish request paid event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.RequestEventPublisher = (*PubSubRequestPaidPublisher)(nil)
