package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/equipool/pkg/errors"
	"github.com/bardlex/equipool/pkg/log"
)

// TopicHashBlock is published by the daemon for every new chain tip
const TopicHashBlock = "hashblock"

// ZMQNotifier receives daemon notifications over a SUB socket
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a notifier for endpoint. Connect must be called before Listen.
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBroker, "zmq_socket", "failed to create ZMQ socket")
	}
	// bounded receive so Listen notices cancellation
	if err := socket.SetRcvtimeo(time.Second); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeBroker, "zmq_socket", "failed to set receive timeout")
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe adds a topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeBroker, "zmq_connect", "failed to connect to ZMQ endpoint").
			WithContext("endpoint", z.endpoint)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx is cancelled.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
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

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler turns raw notifications into block hash callbacks
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string) error
}

// NewBlockNotificationHandler creates a handler calling onNewBlock for each hashblock
func NewBlockNotificationHandler(logger *log.Logger, onNewBlock func(blockHash string) error) *BlockNotificationHandler {
	return &BlockNotificationHandler{logger: logger, onNewBlock: onNewBlock}
}

// HandleMessage routes one notification
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicHashBlock:
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}
		blockHash := reverseHex(data)
		h.logger.Debug("new block notification", "hash", blockHash)
		if h.onNewBlock != nil {
			return h.onNewBlock(blockHash)
		}
	default:
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
	}
	return nil
}

// reverseHex converts a little-endian hash to display order
func reverseHex(data []byte) string {
	reversed := slices.Clone(data)
	slices.Reverse(reversed)
	return hex.EncodeToString(reversed)
}
