package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

const (
	// DefaultTeardownTopic 房间销毁重试 Topic
	DefaultTeardownTopic = "rt.room.teardown"
	// DefaultGroupID 重试消费组
	DefaultGroupID = "realtime-teardown"
)

var ErrNoBrokers = errors.New("kafka brokers not configured")

// Options Kafka 队列参数
type Options struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaTeardownQueue 基于 Kafka 的房间销毁重试队列
// 任务按 room_id 分区，同一房间的重试串行
type KafkaTeardownQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

var _ out.TeardownQueue = (*KafkaTeardownQueue)(nil)

// NewKafkaTeardownQueue 创建队列
func NewKafkaTeardownQueue(opts Options) (*KafkaTeardownQueue, error) {
	if len(opts.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if opts.Topic == "" {
		opts.Topic = DefaultTeardownTopic
	}
	if opts.GroupID == "" {
		opts.GroupID = DefaultGroupID
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		GroupID:     opts.GroupID,
		Topic:       opts.Topic,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		StartOffset: kafka.FirstOffset,
	})

	return &KafkaTeardownQueue{writer: writer, reader: reader}, nil
}

func (q *KafkaTeardownQueue) Enqueue(ctx context.Context, task *entity.TeardownTask) error {
	msg, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish teardown task failed: %w", err)
	}
	return nil
}

// Consume 手动提交 offset，处理器因 ctx 结束返回时不提交，任务会被重新投递
func (q *KafkaTeardownQueue) Consume(ctx context.Context, handler out.TeardownHandler) error {
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch teardown task failed: %w", err)
		}

		task, err := decodeTask(msg.Value)
		if err != nil {
			zap.L().Warn("drop malformed teardown task",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		} else if err := handler(ctx, task); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}

		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.L().Warn("commit teardown offset failed", zap.Error(err))
		}
	}
}

func (q *KafkaTeardownQueue) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	return errors.Join(werr, rerr)
}

func encodeTask(task *entity.TeardownTask) (kafka.Message, error) {
	if task == nil || task.RoomID == "" {
		return kafka.Message{}, errors.New("teardown task without room id")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal teardown task failed: %w", err)
	}
	return kafka.Message{
		Key:   []byte(task.RoomID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("room_teardown")},
			{Key: "attempt", Value: []byte(fmt.Sprintf("%d", task.Attempt))},
		},
	}, nil
}

func decodeTask(data []byte) (*entity.TeardownTask, error) {
	var task entity.TeardownTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal teardown task failed: %w", err)
	}
	if task.RoomID == "" {
		return nil, errors.New("teardown task without room id")
	}
	return &task, nil
}
