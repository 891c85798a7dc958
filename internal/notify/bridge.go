package notify

import (
	"context"
	"encoding/json"

	"podforge/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the shared broadcast channel every API process subscribes
// to.
const Channel = "podforge_events"

// Bridge carries progress events across process boundaries over Redis
// pub/sub. Publish is fire-and-forget; a stage never fails because a
// notification could not be delivered.
type Bridge struct {
	client  *redis.Client
	channel string
}

func NewBridge(client *redis.Client) *Bridge {
	return &Bridge{
		client:  client,
		channel: Channel,
	}
}

// Publish broadcasts one event. Errors are logged and swallowed.
func (b *Bridge) Publish(ctx context.Context, event ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal progress event",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
		return
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		logger.Error("Failed to publish progress event",
			zap.String("task_id", event.TaskID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
		return
	}

	logger.Debug("Progress event published",
		zap.String("task_id", event.TaskID),
		zap.String("kind", string(event.Kind)))
}

// Subscribe opens a broadcast subscription and returns a channel of
// decoded events. Every subscriber sees every event; events published
// while a subscriber is down are lost to it (clients resynchronize by
// polling task state). The channel closes when ctx is cancelled.
func (b *Bridge) Subscribe(ctx context.Context) <-chan ProgressEvent {
	sub := b.client.Subscribe(ctx, b.channel)
	events := make(chan ProgressEvent, 64)

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	go func() {
		defer close(events)

		for msg := range sub.Channel() {
			var event ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn("Dropping undecodable progress event", zap.Error(err))
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events
}
