package messaging

import (
	"context"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/ehash/internal/coordinator"
	"github.com/bardlex/ehash/pkg/log"
)

// ProtoPublisher publishes protobuf messages. *KafkaClient satisfies it.
type ProtoPublisher interface {
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// StatusRecorder receives every status in addition to the bus, e.g. the
// database manager writing them to InfluxDB.
type StatusRecorder interface {
	RecordStatus(s coordinator.Status)
}

// StatusPublisher forwards coordinator status reports to the bus.
type StatusPublisher struct {
	publisher ProtoPublisher
	recorders []StatusRecorder
	timeout   time.Duration
	logger    *log.Logger
}

// NewStatusPublisher creates a publisher. publisher may be nil when no bus is configured.
func NewStatusPublisher(publisher ProtoPublisher, logger *log.Logger, recorders ...StatusRecorder) *StatusPublisher {
	return &StatusPublisher{
		publisher: publisher,
		recorders: recorders,
		timeout:   5 * time.Second,
		logger:    logger.WithComponent("status_publisher"),
	}
}

// StatusStruct renders a status as a protobuf Struct.
func StatusStruct(s coordinator.Status) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"coordinator": s.Coordinator,
		"state":       string(s.State),
		"processed":   s.Processed,
		"rejected":    s.Rejected,
		"discarded":   s.Discarded,
		"dropped":     s.Dropped,
		"retry_depth": s.RetryDepth,
		"last_error":  s.LastError,
		"time":        s.Time.UTC().Format(time.RFC3339Nano),
	})
}

// Publish sends one status to the recorders and the bus. Failures are logged only.
func (p *StatusPublisher) Publish(ctx context.Context, s coordinator.Status) {
	for _, r := range p.recorders {
		r.RecordStatus(s)
	}
	if p.publisher == nil {
		return
	}

	msg, err := StatusStruct(s)
	if err != nil {
		p.logger.WithError(err).Error("failed to encode status", "coordinator", s.Coordinator)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.publisher.PublishProto(pctx, TopicCoordinatorStatus, s.Coordinator, msg); err != nil {
		p.logger.WithError(err).Warn("failed to publish status (non-critical)",
			"coordinator", s.Coordinator, "state", s.State)
	}
}

// Run forwards statuses from every source until ctx is done, then flushes
// whatever the sources still hold buffered.
func (p *StatusPublisher) Run(ctx context.Context, sources ...<-chan coordinator.Status) {
	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src <-chan coordinator.Status) {
			defer wg.Done()
			for {
				select {
				case s := <-src:
					p.Publish(ctx, s)
				case <-ctx.Done():
					p.flush(src)
					return
				}
			}
		}(src)
	}
	wg.Wait()
}

func (p *StatusPublisher) flush(src <-chan coordinator.Status) {
	ctx := context.Background()
	for {
		select {
		case s := <-src:
			p.Publish(ctx, s)
		default:
			return
		}
	}
}
