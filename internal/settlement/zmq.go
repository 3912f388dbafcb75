package settlement

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/ehash/pkg/log"
)

// TopicHashBlock is the Bitcoin Core ZMQ topic announcing new block hashes.
const TopicHashBlock = "hashblock"

// BlockNotifier subscribes to Bitcoin Core's ZMQ block announcements.
type BlockNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewBlockNotifier creates a SUB socket for endpoint.
func NewBlockNotifier(endpoint string, logger *log.Logger) (*BlockNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	// Bounded receive so Listen notices cancellation.
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &BlockNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Connect subscribes to hashblock and connects to the endpoint.
func (z *BlockNotifier) Connect() error {
	if err := z.socket.SetSubscribe(TopicHashBlock); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", TopicHashBlock, err)
	}
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers every new block hash to onBlock until ctx is cancelled.
func (z *BlockNotifier) Listen(ctx context.Context, onBlock func(chainhash.Hash)) error {
	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		hash, ok, err := ParseBlockNotification(msg)
		if err != nil {
			z.logger.Warn("received malformed ZMQ message", "error", err)
			continue
		}
		if ok {
			z.logger.Debug("new block notification", "hash", hash.String())
			onBlock(hash)
		}
	}
}

// Close closes the socket.
func (z *BlockNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// ParseBlockNotification decodes a multipart ZMQ message. It returns ok=false
// for topics other than hashblock. Core publishes the hash in display order.
func ParseBlockNotification(msg [][]byte) (chainhash.Hash, bool, error) {
	var h chainhash.Hash
	if len(msg) < 2 {
		return h, false, fmt.Errorf("expected at least 2 parts, got %d", len(msg))
	}
	if string(msg[0]) != TopicHashBlock {
		return h, false, nil
	}
	data := msg[1]
	if len(data) != chainhash.HashSize {
		return h, false, fmt.Errorf("invalid block hash length: %d", len(data))
	}
	for i := range data {
		h[i] = data[len(data)-1-i]
	}
	return h, true, nil
}
