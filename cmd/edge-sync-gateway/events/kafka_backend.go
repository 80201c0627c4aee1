package events

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/edgefabric/edge-sync-gateway/cmd/edge-sync-gateway/shared"
	"github.com/edgefabric/edge-sync-gateway/internal"
)

const topicPrefix = "edge.events."

var errSendInterrupted = errors.New("downlink send interrupted")

// TopicForEdge returns the edge's dedicated topic. One topic with a single
// partition per edge keeps the log totally ordered.
func TopicForEdge(edgeID uuid.UUID) string {
	return topicPrefix + edgeID.String()
}

func groupForEdge(edgeID uuid.UUID) string {
	hasher := sha3.New256()
	hasher.Write([]byte(edgeID.String()))
	return "edge-events-" + hex.EncodeToString(hasher.Sum(nil))
}

// KafkaResources are the process-wide Kafka handles shared by all sessions.
type KafkaResources struct {
	Brokers  []string
	Config   *sarama.Config
	Producer sarama.SyncProducer
	Admin    sarama.ClusterAdmin

	topicsMu sync.Mutex
	topics   map[string]bool
}

func NewKafkaResources(brokers []string, clientID string) (*KafkaResources, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	admin, err := sarama.NewClusterAdmin(brokers, cfg)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	return &KafkaResources{
		Brokers:  brokers,
		Config:   cfg,
		Producer: producer,
		Admin:    admin,
		topics:   make(map[string]bool),
	}, nil
}

func (r *KafkaResources) Close() error {
	if err := r.Producer.Close(); err != nil {
		return err
	}
	return r.Admin.Close()
}

func (r *KafkaResources) ensureTopic(topic string) error {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	if r.topics[topic] {
		return nil
	}
	err := r.Admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: 1,
	}, false)
	if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return err
	}
	r.topics[topic] = true
	return nil
}

// KafkaBackend is the push-log delivery variant. Save publishes to the edge's
// topic; delivery runs via a lazily created consumer group bound to that
// topic. The legacy polled store is only touched by the one-time migration.
type KafkaBackend struct {
	res      *KafkaResources
	legacy   *PostgresBackend
	edge     *shared.Edge
	sender   DownlinkSender
	pageSize int

	mu        sync.Mutex
	group     sarama.ConsumerGroup
	cancel    context.CancelFunc
	consuming atomic.Bool
}

type KafkaFactory struct {
	Resources   *KafkaResources
	LegacyStore Store
	PageSize    int
}

func (f *KafkaFactory) New(edge *shared.Edge, sender DownlinkSender) Backend {
	return &KafkaBackend{
		res: f.Resources,
		legacy: &PostgresBackend{
			store:    f.LegacyStore,
			edge:     edge,
			sender:   sender,
			pageSize: f.PageSize,
		},
		edge:     edge,
		sender:   sender,
		pageSize: f.PageSize,
	}
}

func (b *KafkaBackend) Save(ctx context.Context, ev shared.EdgeEvent) error {
	topic := TopicForEdge(ev.EdgeID)
	if err := b.res.ensureTopic(topic); err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, _, err = b.res.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(ev.EdgeID.String()),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

// ProcessEdgeEvents lazily starts (or restarts) the consumer bound to the
// edge's topic. It always reports false: delivery is push-driven from here on.
func (b *KafkaBackend) ProcessEdgeEvents(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consuming.Load() {
		return false, nil
	}

	topic := TopicForEdge(b.edge.ID)
	if err := b.res.ensureTopic(topic); err != nil {
		return false, err
	}
	group, err := sarama.NewConsumerGroup(b.res.Brokers, groupForEdge(b.edge.ID), b.res.Config)
	if err != nil {
		return false, err
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	b.group = group
	b.cancel = cancel
	b.consuming.Store(true)

	go b.consumeLoop(consumeCtx, group, topic)
	return false, nil
}

func (b *KafkaBackend) consumeLoop(ctx context.Context, group sarama.ConsumerGroup, topic string) {
	defer b.consuming.Store(false)
	handler := &claimHandler{backend: b}
	var retries int64
	for ctx.Err() == nil {
		err := group.Consume(ctx, []string{topic}, handler)
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			retries++
			zap.S().Warnf("[%s][%s] consumer error on topic %s, backing off: %s", b.edge.TenantID, b.edge.ID, topic, err)
			internal.SleepBackedOff(retries, 100*time.Millisecond, 10*time.Second)
			continue
		}
		retries = 0
	}
}

// claimHandler batches claim messages into pages and delivers them through
// the session's sender. Offsets are only committed after the batch is
// acknowledged, so an interrupted send replays from the same position.
type claimHandler struct {
	backend *KafkaBackend
}

func (h *claimHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *claimHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	b := h.backend
	batch := make([]shared.EdgeEvent, 0, b.pageSize)
	var last *sarama.ConsumerMessage

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		interrupted, err := b.sender.SendDownlinkPack(sess.Context(), batch)
		if err != nil {
			return err
		}
		if interrupted {
			return errSendInterrupted
		}
		sess.MarkMessage(last, "")
		sess.Commit()
		batch = batch[:0]
		return nil
	}

	idle := time.NewTicker(200 * time.Millisecond)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			var ev shared.EdgeEvent
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				zap.S().Warnf("[%s][%s] skipping undecodable edge event at offset %d: %s", b.edge.TenantID, b.edge.ID, msg.Offset, err)
				sess.MarkMessage(msg, "")
				continue
			}
			batch = append(batch, ev)
			last = msg
			if len(batch) >= b.pageSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-idle.C:
			if err := flush(); err != nil {
				return err
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

// MigrateEdgeEvents drains one page of the legacy polled store. The session
// keeps calling it each tick until it reports that nothing remained.
func (b *KafkaBackend) MigrateEdgeEvents(ctx context.Context) (bool, error) {
	processed, _, err := b.legacy.drainPage(ctx)
	if err != nil {
		return true, err
	}
	return processed > 0, nil
}

func (b *KafkaBackend) Active() bool {
	return b.consuming.Load()
}

func (b *KafkaBackend) Destroy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.group != nil {
		if err := b.group.Close(); err != nil {
			zap.S().Warnf("[%s][%s] failed to close consumer group: %s", b.edge.TenantID, b.edge.ID, err)
			return false
		}
		b.group = nil
	}
	b.consuming.Store(false)
	return true
}

func (b *KafkaBackend) CleanUp(ctx context.Context) error {
	topic := TopicForEdge(b.edge.ID)
	if err := b.res.Admin.DeleteTopic(topic); err != nil && !errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return err
	}
	if err := b.res.Admin.DeleteConsumerGroup(groupForEdge(b.edge.ID)); err != nil && !errors.Is(err, sarama.ErrGroupIDNotFound) {
		zap.S().Warnf("[%s][%s] failed to delete consumer group: %s", b.edge.TenantID, b.edge.ID, err)
	}
	b.res.topicsMu.Lock()
	delete(b.res.topics, topic)
	b.res.topicsMu.Unlock()
	return b.legacy.CleanUp(ctx)
}
