// Package transport Redis Streams 消息总线
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestrated/orchestrator/internal/metrics"
	"github.com/orchestrated/orchestrator/pkg/health"
	"github.com/orchestrated/orchestrator/pkg/logger"
	"github.com/orchestrated/orchestrator/pkg/sagaerrors"
)

// Bus publishes saga messages to Redis Streams topics. One stream per
// topic; payloads travel pre-encoded under a single "data" field.
type Bus struct {
	client *redis.Client
}

// NewBus 创建总线
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish appends the encoded message to the topic stream.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// PendingCount returns the number of unacknowledged messages for the group.
func (b *Bus) PendingCount(ctx context.Context, topic, group string) (int64, error) {
	pending, err := b.client.XPending(ctx, topic, group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", topic, err)
	}
	return pending.Count, nil
}

// Trim 裁剪 Stream
func (b *Bus) Trim(ctx context.Context, topic string, maxLen int64) error {
	return b.client.XTrimMaxLen(ctx, topic, maxLen).Err()
}

// Handler processes one decoded message body.
type Handler func(ctx context.Context, data []byte) error

// ConsumerOptions 消费者选项
type ConsumerOptions struct {
	BatchSize    int           // 每次读取的消息数
	BlockTime    time.Duration // 阻塞等待时间
	MaxRetries   int           // 最大重试次数
	ClaimMinIdle time.Duration // 认领空闲消息的最小时间
	// PendingCheckInterval 周期性处理 pending 的间隔
	PendingCheckInterval time.Duration
}

// DefaultConsumerOptions 默认选项
var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

// Consumer reads saga topics through a consumer group. All replies for one
// transaction land on the same stream, so per-saga ordering holds as long
// as a stream is consumed by this single loop.
type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
	streams  []string
	handler  Handler
	opts     ConsumerOptions
	log      *logger.Logger
	metrics  *metrics.Metrics
	monitor  *health.LoopMonitor
}

// NewConsumer 创建消费者
func NewConsumer(client *redis.Client, group, consumer string, streams []string, handler Handler, opts *ConsumerOptions, log *logger.Logger, m *metrics.Metrics) *Consumer {
	if opts == nil {
		opts = &DefaultConsumerOptions
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     *opts,
		log:      log,
		metrics:  m,
		monitor:  &health.LoopMonitor{},
	}
}

// Monitor exposes liveness state for health checks.
func (c *Consumer) Monitor() *health.LoopMonitor {
	return c.monitor
}

// Start blocks consuming until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	// 确保消费者组存在
	for _, stream := range c.streams {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("create group: %w", err)
		}
	}

	// 先处理 pending 消息
	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("process pending: %w", err)
	}

	// 消费新消息
	return c.consume(ctx)
}

// processPending 认领并处理滞留消息
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		for {
			pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream: stream,
				Group:  c.group,
				Start:  "-",
				End:    "+",
				Count:  int64(c.opts.BatchSize),
			}).Result()
			if err != nil {
				return fmt.Errorf("xpending: %w", err)
			}

			if len(pending) == 0 {
				break
			}

			ids := make([]string, 0, len(pending))
			dlqIDs := make(map[string]int64)
			for _, p := range pending {
				if p.Idle >= c.opts.ClaimMinIdle {
					ids = append(ids, p.ID)
					if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
						dlqIDs[p.ID] = p.RetryCount
					}
				}
			}

			if len(ids) == 0 {
				break
			}

			messages, err := c.client.XClaim(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    c.group,
				Consumer: c.consumer,
				MinIdle:  c.opts.ClaimMinIdle,
				Messages: ids,
			}).Result()
			if err != nil {
				return fmt.Errorf("xclaim: %w", err)
			}

			for _, m := range messages {
				if retryCount, toDLQ := dlqIDs[m.ID]; toDLQ {
					if err := c.sendToDLQ(ctx, stream, &m, fmt.Sprintf("max retries exceeded: %d", retryCount)); err != nil {
						c.log.WithError(err).Error("send to dlq failed")
						continue
					}
					if err := c.client.XAck(ctx, stream, c.group, m.ID).Err(); err != nil {
						c.log.WithError(err).Error("ack dlq message failed")
					}
					continue
				}

				if err := c.processMessage(ctx, stream, m); err != nil {
					c.log.WithError(err).WithField("stream", stream).Warn("process pending message failed")
				}
			}
		}
	}
	return nil
}

// consume 消费新消息
func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Warn("process pending failed")
			}
		default:
		}

		c.monitor.Tick()

		results, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.monitor.SetError(err)
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, result.Stream, m); err != nil {
					c.log.WithError(err).WithField("stream", result.Stream).Warn("process message failed")
				}
			}
		}
	}
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values["data"].(string)
	if !ok {
		// 无效消息，直接 ACK
		return c.client.XAck(ctx, stream, c.group, m.ID).Err()
	}

	err := c.handler(ctx, []byte(data))
	if err == nil {
		c.monitor.MarkProcessed()
		return c.client.XAck(ctx, stream, c.group, m.ID).Err()
	}

	// 校验类错误重投不会成功，记录后直接 ACK
	if sagaerrors.IsValidation(err) {
		c.log.WithError(err).WithField("stream", stream).Warn("acking invalid message")
		return c.client.XAck(ctx, stream, c.group, m.ID).Err()
	}

	c.metrics.IncStreamError(stream, c.group)

	// 超过最大重试，写入死信流并 ACK
	if c.opts.MaxRetries > 0 {
		pending, pErr := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		}).Result()
		if pErr == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries) {
			if dlqErr := c.sendToDLQ(ctx, stream, &m, err.Error()); dlqErr == nil {
				return c.client.XAck(ctx, stream, c.group, m.ID).Err()
			}
		}
	}
	return err
}

func (c *Consumer) sendToDLQ(ctx context.Context, stream string, m *redis.XMessage, reason string) error {
	dlqStream := stream + ":dlq"
	values := map[string]interface{}{
		"stream":   stream,
		"msgId":    m.ID,
		"reason":   reason,
		"data":     m.Values["data"],
		"tsMs":     time.Now().UnixMilli(),
		"group":    c.group,
		"consumer": c.consumer,
	}
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	c.metrics.IncStreamDLQ(stream, c.group)
	return nil
}
