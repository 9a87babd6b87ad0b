package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Publisher sends status messages to the shared broadcast channel.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

// NewPublisher returns a publisher for the given channel.
func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	return &Publisher{rdb: rdb, channel: channel}
}

// Publish serialises the message and pushes it on the channel.
func (p *Publisher) Publish(ctx context.Context, msg StatusMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status message: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish status message: %w", err)
	}
	return nil
}

// Fanout subscribes to the broadcast channel and forwards each message
// to the connections this instance owns.  Rank messages fan out to
// every locally registered key they mention; admitted messages target a
// single key.  Keys held by other instances are silently skipped, which
// is what removes the need for a global connection directory.
type Fanout struct {
	rdb      *redis.Client
	channel  string
	registry *Registry
}

// NewFanout returns a fan-out bound to the local registry.
func NewFanout(rdb *redis.Client, channel string, registry *Registry) *Fanout {
	return &Fanout{rdb: rdb, channel: channel, registry: registry}
}

// Run consumes the subscription until ctx is cancelled.  go-redis
// reconnects the pub/sub internally, so the loop only ends with ctx.
func (f *Fanout) Run(ctx context.Context) {
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer func() { _ = sub.Close() }()

	log.Printf("fanout: subscribed to %s", f.channel)
	for {
		select {
		case <-ctx.Done():
			log.Printf("fanout: stopped")
			return
		case m, ok := <-sub.Channel():
			if !ok {
				log.Printf("fanout: subscription closed")
				return
			}
			var msg StatusMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("fanout: bad message: %v", err)
				continue
			}
			f.deliver(msg)
		}
	}
}

func (f *Fanout) deliver(msg StatusMessage) {
	switch msg.Type {
	case MessageAdmitted:
		f.registry.Send(msg.UserKey, msg)
	case MessageRank:
		for _, r := range msg.Ranks {
			one := StatusMessage{
				Type:       MessageRank,
				ScheduleID: msg.ScheduleID,
				Ranks:      []RankUpdate{r},
			}
			f.registry.Send(r.UserKey, one)
		}
	}
}
