package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"waterWise/internal/app/dto"
	"waterWise/internal/domain/model"
	"waterWise/internal/domain/repository"
	"waterWise/internal/infrastructure/session"
	"waterWise/internal/lib/logger/sl"
)

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	BatchSize     int
	BatchTimeout  int // milliseconds
	DialTimeout   time.Duration
}

// KafkaBackend is the remote store on a Kafka topic. Messages are keyed by
// device id so a device's readings share one partition, and the remote
// sequence of a reading is its offset plus one.
type KafkaBackend struct {
	cfg    KafkaConfig
	tokens session.TokenSource
	log    *slog.Logger

	mu     sync.Mutex
	writer *kafka.Writer
}

func NewKafkaBackend(cfg KafkaConfig, tokens session.TokenSource, log *slog.Logger) *KafkaBackend {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 3000
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &KafkaBackend{
		cfg:    cfg,
		tokens: tokens,
		log:    log.With(slog.String("component", "kafka")),
	}
}

var _ repository.RemoteBackend = (*KafkaBackend)(nil)

// classify maps kafka errors onto the sync error taxonomy.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, model.ErrAuthFailure):
		return err
	case errors.Is(err, kafka.SASLAuthenticationFailed),
		errors.Is(err, kafka.TopicAuthorizationFailed),
		errors.Is(err, kafka.GroupAuthorizationFailed),
		errors.Is(err, kafka.ClusterAuthorizationFailed):
		return fmt.Errorf("%w: kafka %s: %w", model.ErrAuthFailure, op, err)
	default:
		return fmt.Errorf("%w: kafka %s: %w", model.ErrChannelDisconnected, op, err)
	}
}

func (b *KafkaBackend) mechanism(ctx context.Context) (sasl.Mechanism, error) {
	if b.tokens == nil {
		return nil, nil
	}
	creds, err := b.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	if creds.Token == "" {
		return nil, nil
	}
	return plain.Mechanism{Username: creds.User, Password: creds.Token}, nil
}

func (b *KafkaBackend) dialer(ctx context.Context) (*kafka.Dialer, error) {
	mech, err := b.mechanism(ctx)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       b.cfg.DialTimeout,
		DualStack:     true,
		SASLMechanism: mech,
	}, nil
}

func (b *KafkaBackend) dialAny(ctx context.Context, dialer *kafka.Dialer) (*kafka.Conn, error) {
	var lastErr error
	for _, broker := range b.cfg.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return nil, lastErr
}

// Connect dials a broker and reads the topic metadata.
func (b *KafkaBackend) Connect(ctx context.Context) error {
	dialer, err := b.dialer(ctx)
	if err != nil {
		return err
	}
	conn, err := b.dialAny(ctx, dialer)
	if err != nil {
		return classify("dial", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(b.cfg.Topic); err != nil {
		return classify("read partitions", err)
	}
	return nil
}

func (b *KafkaBackend) Subscribe(ctx context.Context, deviceIDs []string) (repository.RemoteSubscription, error) {
	dialer, err := b.dialer(ctx)
	if err != nil {
		return nil, err
	}

	// Disable auto-commit, offsets are committed from acknowledgements
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		Topic:          b.cfg.Topic,
		GroupID:        b.cfg.ConsumerGroup,
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	s := &kafkaSubscription{
		reader:    reader,
		topic:     b.cfg.Topic,
		devices:   make(map[string]bool, len(deviceIDs)),
		inflight:  make(map[deliveryID]kafka.Message),
		offsets:   newOffsetTracker(),
		batchSize: b.cfg.BatchSize,
		log:       b.log,
		stop:      make(chan struct{}),
	}
	for _, id := range deviceIDs {
		s.devices[id] = true
	}

	s.wg.Add(1)
	go s.batchCommitter(time.Duration(b.cfg.BatchTimeout) * time.Millisecond)

	return s, nil
}

// partitionFor returns the partition the writer's hash balancer assigns to deviceID.
func (b *KafkaBackend) partitionFor(conn *kafka.Conn, deviceID string) (int, error) {
	parts, err := conn.ReadPartitions(b.cfg.Topic)
	if err != nil {
		return 0, err
	}
	if len(parts) == 0 {
		return 0, fmt.Errorf("topic %s has no partitions", b.cfg.Topic)
	}
	ids := make([]int, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	sort.Ints(ids)
	return (&kafka.Hash{}).Balance(kafka.Message{Key: []byte(deviceID)}, ids...), nil
}

// FetchSince reads the device's partition from the cursor up to the current
// end of the log.
func (b *KafkaBackend) FetchSince(ctx context.Context, deviceID string, afterSeq int64) ([]model.Reading, error) {
	dialer, err := b.dialer(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := b.dialAny(ctx, dialer)
	if err != nil {
		return nil, classify("dial", err)
	}
	partition, err := b.partitionFor(conn, deviceID)
	conn.Close()
	if err != nil {
		return nil, classify("resolve partition", err)
	}

	leader, err := dialer.DialLeader(ctx, "tcp", b.cfg.Brokers[0], b.cfg.Topic, partition)
	if err != nil {
		return nil, classify("dial leader", err)
	}
	end, err := leader.ReadLastOffset()
	leader.Close()
	if err != nil {
		return nil, classify("read last offset", err)
	}
	if afterSeq >= end {
		return nil, nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.cfg.Brokers,
		Topic:     b.cfg.Topic,
		Partition: partition,
		Dialer:    dialer,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	start := afterSeq
	if start == 0 {
		start = kafka.FirstOffset
	}
	if err := reader.SetOffset(start); err != nil {
		return nil, classify("seek", err)
	}

	var out []model.Reading
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			return nil, classify("read", err)
		}
		if string(msg.Key) == deviceID {
			r, err := dto.ParseReading(msg.Value)
			if err != nil {
				b.log.Warn("skipping malformed reading", slog.Int64("offset", msg.Offset), sl.Err(err))
			} else {
				r.Seq = msg.Offset + 1
				out = append(out, r)
			}
		}
		if msg.Offset >= end-1 {
			return out, nil
		}
	}
}

func (b *KafkaBackend) getWriter(ctx context.Context) (*kafka.Writer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer != nil {
		return b.writer, nil
	}
	mech, err := b.mechanism(ctx)
	if err != nil {
		return nil, err
	}
	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Topic:        b.cfg.Topic,
		Balancer:     &kafka.Hash{}, // device id as key keeps a device on one partition
		RequiredAcks: kafka.RequireAll,
		Transport:    &kafka.Transport{SASL: mech},
	}
	return b.writer, nil
}

// Push writes readings keyed by device id.
func (b *KafkaBackend) Push(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	writer, err := b.getWriter(ctx)
	if err != nil {
		return err
	}

	msgs := make([]kafka.Message, len(readings))
	for i, r := range readings {
		d := dto.FromModel(r)
		d.Seq = 0
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		msgs[i] = kafka.Message{
			Key:   []byte(r.DeviceID),
			Value: data,
			Time:  r.Time(),
		}
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return classify("write", err)
	}
	return nil
}

func (b *KafkaBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writer == nil {
		return nil
	}
	err := b.writer.Close()
	b.writer = nil
	return err
}

type kafkaSubscription struct {
	reader    *kafka.Reader
	topic     string
	devices   map[string]bool
	batchSize int
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[deliveryID]kafka.Message
	offsets  *offsetTracker

	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	commitMu  sync.Mutex
	closedErr error
}

// deliveryID names one delivered message. A device's messages all live on
// one partition, so device and offset are unique even when two messages
// carry the same reading identity.
type deliveryID struct {
	deviceID string
	seq      int64
}

func (s *kafkaSubscription) hold(r model.Reading, msg kafka.Message) {
	s.mu.Lock()
	s.inflight[deliveryID{deviceID: r.DeviceID, seq: r.Seq}] = msg
	s.mu.Unlock()
}

func (s *kafkaSubscription) release(r model.Reading) (kafka.Message, bool) {
	id := deliveryID{deviceID: r.DeviceID, seq: r.Seq}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	return msg, ok
}

func (s *kafkaSubscription) wants(deviceID string) bool {
	return len(s.devices) == 0 || s.devices[deviceID]
}

func (s *kafkaSubscription) Next(ctx context.Context) (model.Reading, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return model.Reading{}, ctx.Err()
			}
			return model.Reading{}, classify("fetch", err)
		}
		s.offsets.track(msg.Partition, msg.Offset)

		if !s.wants(string(msg.Key)) {
			s.offsets.markDone(msg.Partition, msg.Offset)
			continue
		}

		r, err := dto.ParseReading(msg.Value)
		if err != nil {
			// Release bad messages so they do not hold back the commit watermark
			s.log.Warn("dropping malformed reading",
				slog.Int("partition", msg.Partition), slog.Int64("offset", msg.Offset), sl.Err(err))
			s.offsets.markDone(msg.Partition, msg.Offset)
			continue
		}
		r.Seq = msg.Offset + 1
		s.hold(r, msg)
		return r, nil
	}
}

// Ack marks the reading processed and commits once enough offsets are releasable.
func (s *kafkaSubscription) Ack(ctx context.Context, r model.Reading) error {
	msg, ok := s.release(r)
	if !ok {
		return fmt.Errorf("reading %s seq %d is not in flight", r.DeviceID, r.Seq)
	}

	s.offsets.markDone(msg.Partition, msg.Offset)
	if s.offsets.pendingDone() >= s.batchSize {
		return s.commit(ctx)
	}
	return nil
}

func (s *kafkaSubscription) commit(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	marks := s.offsets.watermarks()
	if len(marks) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(marks))
	for partition, offset := range marks {
		msgs = append(msgs, kafka.Message{Topic: s.topic, Partition: partition, Offset: offset})
	}
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return classify("commit", err)
	}
	s.log.Debug("committed offsets", slog.Int("partitions", len(msgs)))
	return nil
}

// batchCommitter periodically commits released offsets
func (s *kafkaSubscription) batchCommitter(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.commit(context.Background()); err != nil {
				s.log.Warn("periodic commit failed", sl.Err(err))
			}
		}
	}
}

// Close commits whatever is releasable and closes the reader.
func (s *kafkaSubscription) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.commit(ctx); err != nil {
			s.log.Warn("final commit failed", sl.Err(err))
		}
		s.closedErr = s.reader.Close()
	})
	return s.closedErr
}
