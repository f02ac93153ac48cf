// Package kafka implements a bridge that consumes a Kafka/Redpanda topic
// set and republishes each record as a CLASP Set, connecting to claspd as
// an ordinary clientmirror.Client rather than hooking into the Router
// internally (SPEC_FULL.md §9: "bridges plug in as Clients"). Grounded on
// the teacher's internal/shared/kafka/consumer.go: the rate limit, the CPU
// emergency brake and batching carry over almost unchanged, retargeted from
// "broadcast to WebSocket subscribers" to "Set over a clientmirror.Client".
// Each Set is sent synchronously and can wait up to two seconds for room
// in the client's send queue.
package kafka

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/clasp-systems/clasp/internal/clientmirror"
	"github.com/clasp-systems/clasp/internal/obsmetrics"
	"github.com/clasp-systems/clasp/internal/value"
)

const bridgeName = "kafka"

// ResourceGuard is the subset of governor.ResourceGuard a bridge consumer
// needs: admission rate limiting and a CPU emergency brake, matching the
// teacher's Consumer.ResourceGuard interface one-for-one (renamed from
// "Kafka" to "Bridge" since the same guard now serves every bridge kind).
type ResourceGuard interface {
	AllowBridgeMessage() bool
	ShouldPauseBridge() bool
}

// AddressFunc maps a Kafka record's topic and key to the CLASP address its
// value should be Set on. The default, TopicKeyAddress, reproduces the
// teacher's "tokenID from key, event type from topic" split as a single
// hierarchical address.
type AddressFunc func(topic string, key []byte) string

// TopicKeyAddress is the default AddressFunc: "/bridge/kafka/<topic>/<key>".
func TopicKeyAddress(topic string, key []byte) string {
	if len(key) == 0 {
		return fmt.Sprintf("/bridge/kafka/%s", topic)
	}
	return fmt.Sprintf("/bridge/kafka/%s/%s", topic, string(key))
}

// Config configures a Consumer.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topics        []string
	Client        *clientmirror.Client // must already be Connect'd
	ResourceGuard ResourceGuard
	Logger        zerolog.Logger
	Address       AddressFunc // defaults to TopicKeyAddress

	BatchSize    int           // messages per flush; 0 selects the default of 50
	BatchTimeout time.Duration // max wait for a full batch, default 10ms
}

// Consumer wraps a franz-go client, publishing each record into CLASP's
// address space through a clientmirror.Client.
type Consumer struct {
	client        *kgo.Client
	mirror        *clientmirror.Client
	resourceGuard ResourceGuard
	logger        zerolog.Logger
	addrOf        AddressFunc

	batchSize    int
	batchTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewConsumer builds a Consumer. cfg.Client must already be Connect'd.
func NewConsumer(cfg Config) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka bridge: at least one broker is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka bridge: consumer group is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka bridge: at least one topic is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("kafka bridge: a connected clientmirror.Client is required")
	}
	if cfg.ResourceGuard == nil {
		return nil, fmt.Errorf("kafka bridge: resource guard is required")
	}

	addrOf := cfg.Address
	if addrOf == nil {
		addrOf = TopicKeyAddress
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 50
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout == 0 {
		batchTimeout = 10 * time.Millisecond
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(10*1024*1024),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", assigned).Msg("kafka bridge: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			cfg.Logger.Info().Interface("partitions", revoked).Msg("kafka bridge: partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka bridge: create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:        client,
		mirror:        cfg.Client,
		resourceGuard: cfg.ResourceGuard,
		logger:        cfg.Logger,
		addrOf:        addrOf,
		batchSize:     batchSize,
		batchTimeout:  batchTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start begins consuming in a background goroutine.
func (c *Consumer) Start() {
	c.logger.Info().Strs("topics_via", nil).Msg("kafka bridge: starting consumer")
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop cancels the consume loop, waits for it to drain, and closes the
// underlying franz-go client.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	c.logger.Info().
		Uint64("processed", c.processed.Load()).
		Uint64("failed", c.failed.Load()).
		Uint64("dropped", c.dropped.Load()).
		Msg("kafka bridge: consumer stopped")
}

// Metrics returns cumulative processed/failed/dropped counts.
func (c *Consumer) Metrics() (processed, failed, dropped uint64) {
	return c.processed.Load(), c.failed.Load(), c.dropped.Load()
}

type batchedRecord struct {
	addr string
	v    value.Value
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("kafka bridge: consume loop panic recovered")
		}
	}()

	batch := make([]batchedRecord, 0, c.batchSize)
	flushTimer := time.NewTimer(c.batchTimeout)
	defer flushTimer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, rec := range batch {
			if err := c.mirror.Set(rec.addr, rec.v); err != nil {
				c.failed.Add(1)
				obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "failed").Inc()
				c.logger.Warn().Err(err).Str("address", rec.addr).Msg("kafka bridge: Set failed")
				continue
			}
			c.processed.Add(1)
			obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "processed").Inc()
		}
		batch = batch[:0]
		flushTimer.Reset(c.batchTimeout)
	}

	for {
		select {
		case <-c.ctx.Done():
			flush()
			return
		case <-flushTimer.C:
			flush()
		default:
			fetches := c.client.PollFetches(c.ctx)
			for _, err := range fetches.Errors() {
				c.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("kafka bridge: fetch error")
			}
			fetches.EachRecord(func(record *kgo.Record) {
				if rec, ok := c.prepare(record); ok {
					batch = append(batch, rec)
					if len(batch) >= c.batchSize {
						flush()
					}
				}
			})
		}
	}
}

// prepare applies the rate limit and CPU brake, then decodes one record
// into a (address, Value) pair ready to Set.
func (c *Consumer) prepare(record *kgo.Record) (batchedRecord, bool) {
	if !c.resourceGuard.AllowBridgeMessage() {
		c.dropped.Add(1)
		obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "dropped").Inc()
		return batchedRecord{}, false
	}
	if c.resourceGuard.ShouldPauseBridge() {
		c.dropped.Add(1)
		obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "dropped").Inc()
		return batchedRecord{}, false
	}

	v, err := value.FromJSON(record.Value)
	if err != nil {
		c.failed.Add(1)
		obsmetrics.BridgeMessagesTotal.WithLabelValues(bridgeName, "failed").Inc()
		c.logger.Warn().Err(err).Str("topic", record.Topic).Msg("kafka bridge: record is not valid JSON")
		return batchedRecord{}, false
	}

	return batchedRecord{addr: c.addrOf(record.Topic, record.Key), v: v}, true
}
