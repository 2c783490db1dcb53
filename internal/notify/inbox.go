// Package notify provides the internal notification inbox for registered
// users named as destinations. Deliveries are best-effort: failures are
// logged, never propagated into the publish path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notification is one inbox item for a recipient handle.
type Notification struct {
	ID              string    `json:"id"`
	Recipient       string    `json:"recipient"`
	Kind            string    `json:"kind"`
	ItemID          string    `json:"itemId"`
	ItemKind        string    `json:"itemKind"`
	AuthorPseudonym string    `json:"authorPseudonym"`
	Preview         string    `json:"preview"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Inbox stores per-recipient notifications in Redis and publishes a signal
// on the recipient's channel so connected clients can refresh.
type Inbox struct {
	client *redis.Client
	prefix string
	keep   int64
}

func NewInbox(redisURL string) (*Inbox, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Inbox{client: client, prefix: "inbox:", keep: 200}, nil
}

// NewInboxWithClient creates an inbox from an existing Redis client.
func NewInboxWithClient(client *redis.Client) *Inbox {
	return &Inbox{client: client, prefix: "inbox:", keep: 200}
}

func (i *Inbox) key(handle string) string {
	return i.prefix + handle
}

// Push prepends a notification to the recipient's inbox, trims the inbox to
// its retention window, and signals subscribers.
func (i *Inbox) Push(ctx context.Context, n Notification) error {
	if n.Recipient == "" {
		return fmt.Errorf("push notification: empty recipient")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	key := i.key(n.Recipient)
	if err := i.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("push notification: %w", err)
	}
	if err := i.client.LTrim(ctx, key, 0, i.keep-1).Err(); err != nil {
		return fmt.Errorf("trim inbox: %w", err)
	}
	if err := i.client.Publish(ctx, "notify:"+n.Recipient, n.ID).Err(); err != nil {
		return fmt.Errorf("signal inbox: %w", err)
	}
	return nil
}

// List returns the recipient's newest notifications, newest first.
func (i *Inbox) List(ctx context.Context, handle string, limit int) ([]Notification, error) {
	if limit <= 0 || int64(limit) > i.keep {
		limit = int(i.keep)
	}
	raw, err := i.client.LRange(ctx, i.key(handle), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}

	items := make([]Notification, 0, len(raw))
	for _, data := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		items = append(items, n)
	}
	return items, nil
}

func (i *Inbox) Close() error {
	return i.client.Close()
}

func (i *Inbox) Ping(ctx context.Context) error {
	return i.client.Ping(ctx).Err()
}
