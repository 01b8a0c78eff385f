// Package pubsub publishes items to a Google Cloud Pub/Sub topic so other
// services can react to creator activity.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// Name is the channel identifier.
const Name = "pubsub"

// Publisher sends one message and returns its server-assigned ID.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error)
}

// Event is the JSON payload of each message.
type Event struct {
	MID         int64     `json:"mid"`
	Account     string    `json:"account"`
	Kind        string    `json:"kind"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Author      string    `json:"author,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}

// Notifier publishes an Event per item.
type Notifier struct {
	publisher Publisher
}

// New wraps an existing Publisher.
func New(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// Dial connects to projectID and returns a Notifier for topic along with a
// function that flushes and releases the client.
func Dial(ctx context.Context, projectID, topic string) (*Notifier, func() error, error) {
	if projectID == "" || topic == "" {
		return nil, nil, errors.New("pubsub: project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher := client.Publisher(topic)
	closeFn := func() error {
		publisher.Stop()
		if err := client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
		return nil
	}
	return New(&topicPublisher{publisher: publisher}), closeFn, nil
}

// Name implements monitor.Notifier.
func (n *Notifier) Name() string { return Name }

// Send implements monitor.Notifier.
func (n *Notifier) Send(ctx context.Context, account monitor.Account, item monitor.ContentItem) error {
	if n.publisher == nil {
		return &monitor.NotifyError{Channel: Name, ItemID: item.ID, Err: errors.New("publisher is not configured")}
	}
	data, err := json.Marshal(Event{
		MID:         account.MID,
		Account:     account.DisplayName(),
		Kind:        string(item.Kind),
		ID:          item.ID,
		Title:       item.Title,
		URL:         item.URL,
		Author:      item.Author,
		Summary:     item.Summary,
		PublishedAt: item.PublishedAt,
	})
	if err != nil {
		return &monitor.NotifyError{Channel: Name, ItemID: item.ID, Err: fmt.Errorf("marshal event: %w", err)}
	}
	attrs := map[string]string{
		"kind": string(item.Kind),
		"mid":  strconv.FormatInt(account.MID, 10),
	}
	if _, err := n.publisher.Publish(ctx, data, attrs); err != nil {
		return &monitor.NotifyError{Channel: Name, ItemID: item.ID, Err: err}
	}
	return nil
}

type topicPublisher struct {
	publisher *pubsub.Publisher
}

func (t *topicPublisher) Publish(ctx context.Context, data []byte, attributes map[string]string) (string, error) {
	result := t.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
