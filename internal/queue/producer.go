package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GenerationMessage 生成任务消息
type GenerationMessage struct {
	TaskID  string `json:"task_id"`
	APKName string `json:"apk_name"`
	APKPath string `json:"apk_path"`
}

// Encode 序列化消息
func (m *GenerationMessage) Encode() ([]byte, error) {
	if m.TaskID == "" {
		return nil, fmt.Errorf("message without task id")
	}
	return json.Marshal(m)
}

// DecodeMessage 反序列化消息
func DecodeMessage(body []byte) (*GenerationMessage, error) {
	var msg GenerationMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("message without task id")
	}
	return &msg, nil
}

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq     Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq Publisher, logger *logrus.Logger) *Producer {
	return &Producer{mq: mq, logger: logger}
}

// PublishTask 发布任务消息
func (p *Producer) PublishTask(ctx context.Context, msg *GenerationMessage) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish task")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":  msg.TaskID,
		"apk_name": msg.APKName,
	}).Info("Task published to queue")

	return nil
}
