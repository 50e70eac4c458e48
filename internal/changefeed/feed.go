// Package changefeed fans engine changes out over Redis pub/sub so every
// instance serving a dataset can push them to its clients.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cellucid/annotation/internal/annotation"
)

// Message is the wire form of one change.
type Message struct {
	Dataset string `json:"dataset"`
	annotation.Change
}

type Feed struct {
	client  *redis.Client
	dataset string
	channel string
	log     *zap.Logger
}

func Channel(dataset string) string {
	return "cellucid:changes:" + dataset
}

func New(client *redis.Client, dataset string, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{client: client, dataset: dataset, channel: Channel(dataset), log: log}
}

func (f *Feed) Publish(ctx context.Context, change annotation.Change) error {
	data, err := json.Marshal(Message{Dataset: f.dataset, Change: change})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe streams changes until ctx is cancelled. The returned channel is
// closed when the subscription ends.
func (f *Feed) Subscribe(ctx context.Context) (<-chan annotation.Change, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	out := make(chan annotation.Change, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var decoded Message
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					f.log.Warn("dropping undecodable change", zap.String("channel", f.channel), zap.Error(err))
					continue
				}
				select {
				case out <- decoded.Change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
