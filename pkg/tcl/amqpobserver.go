package tcl

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const noticeContentType = "application/json"

// Publisher is the part of *amqp.Channel the observer needs.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// CorruptionNotice is the message broadcast when a pool reports corruption.
type CorruptionNotice struct {
	NoticeID   uuid.UUID `json:"NoticeID"`
	PoolID     uuid.UUID `json:"PoolID"`
	Database   string    `json:"Database"`
	Hostname   string    `json:"Hostname"`
	OccurredAt string    `json:"OccurredAt"`
	Stats      PoolStats `json:"Stats"`
}

// AMQPObserver publishes a CorruptionNotice for every corruption event of the pools it observes.
type AMQPObserver struct {
	publisher   Publisher
	notifier    NotifierConfig
	compression *CompressionConfig
	encryption  *EncryptionConfig
	logger      *zap.Logger
	hostname    string

	published atomic.Uint64
	failures  atomic.Uint64
}

// NewAMQPObserver creates an observer publishing through publisher with the seasoning's notifier,
// compression, and encryption settings.
func NewAMQPObserver(publisher Publisher, seasoning *LiteSeasoning, logger *zap.Logger) (*AMQPObserver, error) {
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher can't be nil", ErrInvalidConfig)
	}

	if seasoning == nil || seasoning.NotifierConfig == nil {
		return nil, fmt.Errorf("%w: notifier config is nil", ErrInvalidConfig)
	}

	if seasoning.EncryptionConfig != nil && seasoning.EncryptionConfig.Enabled && len(seasoning.EncryptionConfig.Hashkey) == 0 {
		return nil, fmt.Errorf("%w: encryption enabled without a hashkey", ErrInvalidConfig)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	hostname, _ := os.Hostname()

	return &AMQPObserver{
		publisher:   publisher,
		notifier:    *seasoning.NotifierConfig,
		compression: seasoning.CompressionConfig,
		encryption:  seasoning.EncryptionConfig,
		logger:      logger.With(zap.String("component", "amqp_observer")),
		hostname:    hostname,
	}, nil
}

// DialNotifier connects to config.URI and opens the channel an AMQPObserver publishes on.
func DialNotifier(config *NotifierConfig, connectionTimeout time.Duration) (*amqp.Connection, *amqp.Channel, error) {
	if config == nil || config.URI == "" {
		return nil, nil, fmt.Errorf("%w: notifier URI can't be empty", ErrInvalidConfig)
	}

	amqpConn, err := amqp.DialConfig(config.URI, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(connectionTimeout),
		Properties: amqp.Table{
			"connection_name": "turbocookedlite-notifier",
		},
	})
	if err != nil {
		return nil, nil, err
	}

	amqpChan, err := amqpConn.Channel()
	if err != nil {
		_ = amqpConn.Close()
		return nil, nil, err
	}

	return amqpConn, amqpChan, nil
}

// CorruptionOccurred publishes a notice for pool. Publish failures are logged and counted.
func (ao *AMQPObserver) CorruptionOccurred(pool *ConnectionPool) {
	notice := &CorruptionNotice{
		NoticeID:   uuid.New(),
		PoolID:     pool.ID(),
		Database:   pool.Path(),
		Hostname:   ao.hostname,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
		Stats:      pool.Stats(),
	}

	if err := ao.publish(notice); err != nil {
		ao.failures.Add(1)
		ao.logger.Error("failed to publish corruption notice",
			zap.String("notice_id", notice.NoticeID.String()),
			zap.String("exchange", ao.notifier.ExchangeName),
			zap.String("routing_key", ao.notifier.RoutingKey),
			zap.Error(err))
		return
	}

	ao.published.Add(1)
	ao.logger.Info("published corruption notice",
		zap.String("notice_id", notice.NoticeID.String()),
		zap.String("pool_id", notice.PoolID.String()))
}

func (ao *AMQPObserver) publish(notice *CorruptionNotice) error {
	var body []byte
	var err error
	if ao.notifier.WrapPayload {
		body, err = CreateWrappedPayload(notice, notice.NoticeID, notice.Database, ao.compression, ao.encryption)
	} else {
		body, err = CreatePayload(notice, ao.compression, ao.encryption)
	}
	if err != nil {
		return err
	}

	contentType := noticeContentType
	if !ao.notifier.WrapPayload && (ao.compression != nil && ao.compression.Enabled || ao.encryption != nil && ao.encryption.Enabled) {
		contentType = "application/octet-stream"
	}

	return ao.publisher.Publish(
		ao.notifier.ExchangeName,
		ao.notifier.RoutingKey,
		ao.notifier.Mandatory,
		false,
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    notice.NoticeID.String(),
			Type:         "CorruptionNotice",
			Timestamp:    time.Now().UTC(),
			AppId:        "turbocookedlite",
		},
	)
}

// Published is how many notices were published.
func (ao *AMQPObserver) Published() uint64 {
	return ao.published.Load()
}

// Failures is how many notices failed to publish.
func (ao *AMQPObserver) Failures() uint64 {
	return ao.failures.Load()
}
