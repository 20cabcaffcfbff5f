package redis

import (
	"context"
	"time"

	"github.com/soaringjerry/Elicit/internal/services"
)

// RecentWindow remembers processed message ids for a while so redeliveries
// are answered without touching the database.
type RecentWindow struct {
	client *Client
	keys   *KeyBuilder
	ttl    time.Duration
}

var _ services.RecentMessages = (*RecentWindow)(nil)

func NewRecentWindow(client *Client, keys *KeyBuilder, ttl time.Duration) *RecentWindow {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RecentWindow{client: client, keys: keys, ttl: ttl}
}

func (w *RecentWindow) Seen(ctx context.Context, key, messageID string) (bool, error) {
	n, err := w.client.Exists(ctx, w.keys.Message(key, messageID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (w *RecentWindow) Remember(ctx context.Context, key, messageID string) error {
	return w.client.Set(ctx, w.keys.Message(key, messageID), 1, w.ttl).Err()
}
