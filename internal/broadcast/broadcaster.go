// Package broadcast bridges in-process pipeline events onto Redis pub/sub so
// every server instance can fan transcript updates out to its own websocket
// clients, whichever instance runs the session worker.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/verbumlabs/verbum/internal/pipeline"
)

// EventChannel is the Redis pub/sub channel for one session's events.
func EventChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// Envelope is the wire form of a pipeline event on the Redis channel. Type
// mirrors the websocket message types clients already understand.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Broadcaster struct {
	rdb *redis.Client
	bus *pipeline.Bus
	log *logrus.Entry
}

func NewBroadcaster(rdb *redis.Client, bus *pipeline.Bus, log *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		rdb: rdb,
		bus: bus,
		log: log.WithField("component", "broadcast"),
	}
}

// Run pumps bus events to Redis until ctx is cancelled. Publish failures are
// logged and skipped; the pipeline must never stall on the fanout path.
func (b *Broadcaster) Run(ctx context.Context) {
	events, cancel := b.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b.forward(ctx, e)
		}
	}
}

func (b *Broadcaster) forward(ctx context.Context, e pipeline.Event) {
	channel, msg, err := encode(e)
	if err != nil {
		b.log.WithError(err).Error("failed to encode event")
		return
	}
	if channel == "" {
		return
	}

	if err := b.rdb.Publish(ctx, channel, msg).Err(); err != nil {
		b.log.WithError(err).WithField("channel", channel).Warn("event publish failed")
	}
}

// encode maps a pipeline event to its Redis channel and wire envelope. An
// empty channel means the event type is not broadcast.
func encode(e pipeline.Event) (channel string, msg []byte, err error) {
	var (
		sessionID string
		typ       string
	)
	switch ev := e.(type) {
	case pipeline.SegmentProduced:
		sessionID, typ = ev.SessionID, "new_segments"
	case pipeline.SessionStateChanged:
		sessionID, typ = ev.SessionID, "session_state"
	default:
		return "", nil, nil
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return "", nil, err
	}
	msg, err = json.Marshal(Envelope{Type: typ, Payload: payload})
	if err != nil {
		return "", nil, err
	}
	return EventChannel(sessionID), msg, nil
}
