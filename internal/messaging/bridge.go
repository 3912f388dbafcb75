package messaging

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
)

// EventRouter is what the bridge hands decoded events to. *events.Router
// satisfies it; both calls must never block.
type EventRouter interface {
	RouteShare(o events.ShareOutcome)
	RouteAcceptance(a events.ShareAck)
}

// SourceBridge consumes the validation side's topics and routes them into the coordinators.
type SourceBridge struct {
	client  *KafkaClient
	router  EventRouter
	groupID string
	logger  *log.Logger
}

// NewSourceBridge creates a bridge. An empty groupID uses DefaultGroupID.
func NewSourceBridge(client *KafkaClient, router EventRouter, groupID string, logger *log.Logger) *SourceBridge {
	if groupID == "" {
		groupID = DefaultGroupID
	}
	return &SourceBridge{
		client:  client,
		router:  router,
		groupID: groupID,
		logger:  logger.WithComponent("source_bridge"),
	}
}

// Run consumes both topics until ctx is cancelled.
func (b *SourceBridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.client.StartConsumer(gctx, TopicShareOutcomes, b.groupID, b.HandleOutcome)
	})
	g.Go(func() error {
		return b.client.StartConsumer(gctx, TopicShareAcks, b.groupID, b.HandleAck)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleOutcome decodes one share outcome and routes it to the mint.
func (b *SourceBridge) HandleOutcome(_ context.Context, msg kafka.Message) error {
	var m ShareOutcomeMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_share_outcome",
			"malformed share outcome").WithContext("offset", msg.Offset)
	}
	o, err := m.ToOutcome()
	if err != nil {
		return err
	}
	b.router.RouteShare(o)
	return nil
}

// HandleAck decodes one acknowledgement and routes it to the wallet.
func (b *SourceBridge) HandleAck(_ context.Context, msg kafka.Message) error {
	var m ShareAckMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "decode_share_ack",
			"malformed share ack").WithContext("offset", msg.Offset)
	}
	a, err := m.ToAck()
	if err != nil {
		return err
	}
	b.router.RouteAcceptance(a)
	return nil
}
