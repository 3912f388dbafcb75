package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/ehash/internal/coordinator"
	"github.com/bardlex/ehash/internal/events"
	"github.com/bardlex/ehash/internal/model"
	ehashErrors "github.com/bardlex/ehash/pkg/errors"
	"github.com/bardlex/ehash/pkg/log"
)

const testPubkey = "02" + "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestNewKafkaClient(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}
	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}
	if client.writers == nil || client.readers == nil {
		t.Error("Expected writer and reader maps to be initialized")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())
	defer func() { _ = client.Close() }()

	producer1 := client.GetProducer(TopicCoordinatorStatus)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}
	if producer1.Topic != TopicCoordinatorStatus {
		t.Errorf("Expected topic %s, got %s", TopicCoordinatorStatus, producer1.Topic)
	}

	// Second call should return the cached producer
	if producer2 := client.GetProducer(TopicCoordinatorStatus); producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}
	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, log.Nop())

	_ = client.GetProducer("topic1")
	_ = client.GetProducer("topic2")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}
	if len(client.writers) != 0 || len(client.readers) != 0 {
		t.Errorf("Expected maps cleared after close, got %d writers %d readers",
			len(client.writers), len(client.readers))
	}
}

// scriptedReader replays messages, then blocks until the context is done.
type scriptedReader struct {
	msgs []kafka.Message
}

func (r *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func TestKafkaClient_ConsumeHandlesEveryMessage(t *testing.T) {
	client := NewKafkaClient(nil, log.Nop())
	reader := &scriptedReader{msgs: []kafka.Message{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	handler := func(_ context.Context, msg kafka.Message) error {
		got = append(got, string(msg.Key))
		if len(got) == 3 {
			cancel()
		}
		// Handler errors must not stop the loop.
		return errors.New("ignored")
	}

	err := client.consume(ctx, "test", reader, handler)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("Expected messages a,b,c in order, got %v", got)
	}
}

func TestShareOutcomeMessage_ToOutcome(t *testing.T) {
	// Display order hash with 40 leading zero bits.
	display := "0000000000ff" + "000000000000000000000000000000000000000000000000000a"
	tmpl := uint64(7)
	m := ShareOutcomeMessage{
		ShareHash:      display,
		ChannelID:      3,
		SequenceNumber: 11,
		LockingPubkey:  testPubkey,
		BlockFound:     true,
		TemplateID:     &tmpl,
		Coinbase:       "0102",
	}

	o, err := m.ToOutcome()
	if err != nil {
		t.Fatalf("ToOutcome() error = %v", err)
	}
	if got := events.LeadingZeroBits(o.ShareHash); got != 40 {
		t.Errorf("Expected 40 leading zeros, got %d", got)
	}
	if o.ShareHash.String() != display {
		t.Errorf("Expected hash %s, got %s", display, o.ShareHash)
	}
	if o.LockingPubkey.String() != testPubkey || o.ChannelID != 3 || o.SequenceNumber != 11 {
		t.Errorf("Unexpected outcome %+v", o)
	}
	if len(o.Coinbase) != 2 || o.TemplateID == nil || *o.TemplateID != 7 {
		t.Errorf("Expected coinbase and template id, got %x %v", o.Coinbase, o.TemplateID)
	}

	// Encoding back yields the same message.
	back := NewShareOutcomeMessage(o)
	if back.ShareHash != display || back.LockingPubkey != testPubkey || back.Coinbase != "0102" {
		t.Errorf("Unexpected encoding %+v", back)
	}
}

func TestDecodeRejections(t *testing.T) {
	tests := []struct {
		name string
		msg  ShareOutcomeMessage
	}{
		{"bad hash", ShareOutcomeMessage{ShareHash: "zz", LockingPubkey: testPubkey}},
		{"bad pubkey", ShareOutcomeMessage{ShareHash: chainhash.Hash{}.String(), LockingPubkey: "02ab"}},
		{"bad coinbase", ShareOutcomeMessage{ShareHash: chainhash.Hash{}.String(), LockingPubkey: testPubkey, Coinbase: "xyz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.msg.ToOutcome()
			if !ehashErrors.IsType(err, ehashErrors.ErrorTypeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}

	ack := ShareAckMessage{LockingPubkey: "nothex"}
	if _, err := ack.ToAck(); !ehashErrors.IsPermanent(err) {
		t.Errorf("Expected permanent error for bad ack pubkey, got %v", err)
	}
}

type recordingRouter struct {
	shares []events.ShareOutcome
	acks   []events.ShareAck
}

func (r *recordingRouter) RouteShare(o events.ShareOutcome)  { r.shares = append(r.shares, o) }
func (r *recordingRouter) RouteAcceptance(a events.ShareAck) { r.acks = append(r.acks, a) }

func TestSourceBridge_Handlers(t *testing.T) {
	router := &recordingRouter{}
	bridge := NewSourceBridge(NewKafkaClient(nil, log.Nop()), router, "", log.Nop())
	if bridge.groupID != DefaultGroupID {
		t.Errorf("Expected default group id, got %q", bridge.groupID)
	}

	outcome, _ := json.Marshal(ShareOutcomeMessage{ShareHash: chainhash.Hash{1}.String(), LockingPubkey: testPubkey})
	ack, _ := json.Marshal(ShareAckMessage{ChannelID: 2, SequenceNumber: 5, LockingPubkey: testPubkey, TokensMinted: 64})

	ctx := context.Background()
	if err := bridge.HandleOutcome(ctx, kafka.Message{Value: outcome}); err != nil {
		t.Fatalf("HandleOutcome() error = %v", err)
	}
	if err := bridge.HandleAck(ctx, kafka.Message{Value: ack}); err != nil {
		t.Fatalf("HandleAck() error = %v", err)
	}
	if err := bridge.HandleOutcome(ctx, kafka.Message{Value: []byte("{")}); !ehashErrors.IsPermanent(err) {
		t.Errorf("Expected permanent error for malformed JSON, got %v", err)
	}

	if len(router.shares) != 1 || router.shares[0].ShareHash != (chainhash.Hash{1}) {
		t.Errorf("Expected one routed share, got %+v", router.shares)
	}
	if len(router.acks) != 1 || router.acks[0].TokensMinted != 64 || router.acks[0].SequenceNumber != 5 {
		t.Errorf("Expected one routed ack, got %+v", router.acks)
	}
	if router.acks[0].LockingPubkey == (model.PubKey{}) {
		t.Error("Expected pubkey to be decoded")
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string]proto.Message
	err  error
}

func (p *fakePublisher) PublishProto(_ context.Context, topic, key string, msg proto.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if topic != TopicCoordinatorStatus {
		return errors.New("unexpected topic " + topic)
	}
	p.msgs[key] = msg
	return nil
}

type statusRecorder struct {
	mu  sync.Mutex
	got []coordinator.Status
}

func (r *statusRecorder) RecordStatus(s coordinator.Status) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func TestStatusStruct(t *testing.T) {
	s := coordinator.Status{
		Coordinator: "mint",
		State:       coordinator.StateDisabled,
		Processed:   10,
		RetryDepth:  2,
		LastError:   "token engine unavailable",
		Time:        time.Unix(1700000000, 0),
	}

	st, err := StatusStruct(s)
	if err != nil {
		t.Fatalf("StatusStruct() error = %v", err)
	}
	f := st.GetFields()
	if f["state"].GetStringValue() != "disabled" {
		t.Errorf("Expected state disabled, got %v", f["state"])
	}
	if f["processed"].GetNumberValue() != 10 || f["retry_depth"].GetNumberValue() != 2 {
		t.Errorf("Unexpected counters %v", f)
	}
	if f["time"].GetStringValue() != "2023-11-14T22:13:20Z" {
		t.Errorf("Unexpected time %v", f["time"])
	}
}

func TestStatusPublisher_Run(t *testing.T) {
	pub := &fakePublisher{msgs: make(map[string]proto.Message)}
	rec := &statusRecorder{}
	p := NewStatusPublisher(pub, log.Nop(), rec)

	mintCh := make(chan coordinator.Status, 4)
	walletCh := make(chan coordinator.Status, 4)
	mintCh <- coordinator.Status{Coordinator: "mint", State: coordinator.StateRunning}
	walletCh <- coordinator.Status{Coordinator: "wallet", State: coordinator.StateTerminated}

	// A cancelled context still flushes what is buffered.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx, mintCh, walletCh)

	if len(rec.got) != 2 {
		t.Fatalf("Expected 2 recorded statuses, got %d", len(rec.got))
	}
	st, ok := pub.msgs["wallet"].(*structpb.Struct)
	if !ok {
		t.Fatalf("Expected wallet status on the bus, got %v", pub.msgs)
	}
	if st.GetFields()["state"].GetStringValue() != "terminated" {
		t.Errorf("Unexpected wallet status %v", st)
	}
}

func TestStatusPublisher_FailuresAreNonCritical(t *testing.T) {
	rec := &statusRecorder{}
	p := NewStatusPublisher(&fakePublisher{err: errors.New("broker down")}, log.Nop(), rec)
	p.Publish(context.Background(), coordinator.Status{Coordinator: "mint"})

	// No bus at all is fine too.
	NewStatusPublisher(nil, log.Nop(), rec).Publish(context.Background(), coordinator.Status{Coordinator: "wallet"})

	if len(rec.got) != 2 {
		t.Errorf("Expected recorders to run regardless of the bus, got %d", len(rec.got))
	}
}
