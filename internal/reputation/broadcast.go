package reputation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	InvalidationChannel = "eyeweb:reputation:invalidate"
	publishTimeout      = 2 * time.Second
)

type changeEnvelope struct {
	Origin string `json:"origin"`
	Change Change `json:"change"`
}

// Broadcaster shares reputation changes between instances over redis pub/sub.
type Broadcaster struct {
	client *redis.Client
	origin string
}

func NewBroadcaster(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client, origin: uuid.NewString()}
}

func (b *Broadcaster) Publish(ctx context.Context, change Change) error {
	message, err := json.Marshal(changeEnvelope{Origin: b.origin, Change: change})
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(opCtx, InvalidationChannel, message).Err()
}

// Subscribe delivers changes published by other instances to apply until ctx
// is cancelled. ready, when set, is closed once the subscription is live.
func (b *Broadcaster) Subscribe(ctx context.Context, apply func(Change), ready chan<- struct{}) {
	pubsub := b.client.Subscribe(ctx, InvalidationChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error("Reputation sync: subscribe failed", "error", err)
		return
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var envelope changeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				log.Error("Reputation sync: invalid payload", "error", err)
				continue
			}
			if envelope.Origin == b.origin {
				continue
			}
			apply(envelope.Change)
		}
	}
}
