// Package events fans ICE candidate events out to every connected caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/wire"
)

const (
	TopicCandidates = "camera_webrtc.ice_candidate"

	metadataVideoID = "video_id"

	defaultBuffer = 64
)

// gochannel reports routine delivery (including "no subscribers") at info.
var pubsubLogLevels = map[slog.Level]slog.Level{
	slog.LevelInfo: slog.LevelDebug,
}

// Bus is an in-process broadcast channel. Events published while nobody is
// subscribed are dropped.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *slog.Logger
	buffer int
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: defaultBuffer,
			// Publish returns once every subscriber has taken the message, so
			// events from one publisher keep their order.
			BlockPublishUntilSubscriberAck: true,
		}, watermill.NewSlogLoggerWithLevelMapping(logger, pubsubLogLevels)),
		log:    logger,
		buffer: defaultBuffer,
	}
}

func (b *Bus) PublishCandidate(ctx context.Context, ev wire.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode candidate event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metadataVideoID, ev.VideoID)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(TopicCandidates, msg); err != nil {
		return fmt.Errorf("publish candidate event: %w", err)
	}
	return nil
}

// Subscribe returns every candidate event published from now on. The channel
// is closed when ctx is done or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context) (<-chan wire.Event, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicCandidates)
	if err != nil {
		return nil, fmt.Errorf("subscribe to candidate events: %w", err)
	}

	out := make(chan wire.Event, b.buffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev wire.Event
			err := json.Unmarshal(msg.Payload, &ev)
			// Ack before forwarding so a publisher only waits on the hand-off.
			msg.Ack()
			if err != nil {
				b.log.Warn("dropping undecodable event", "message_uuid", msg.UUID, "err", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
