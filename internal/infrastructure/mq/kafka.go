package mq

import (
	"fmt"

	"rfidpay/internal/config"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Producer 同步 Kafka 生产者，OutboxSender 通过它投递通知和审计事件
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg *config.KafkaConfig) (*Producer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	log.Println("Kafka 生产者创建成功")
	return &Producer{producer: producer}, nil
}

// NewProducerFrom 包装已有的 SyncProducer（测试中传入 sarama/mocks）
func NewProducerFrom(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// SendMessage 发送消息到 Kafka，按卡片 ID 作为 key 保证同一张卡的事件有序
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() {
	if p == nil || p.producer == nil {
		return
	}
	if err := p.producer.Close(); err != nil {
		log.Printf("关闭 Kafka 生产者失败: %v", err)
	}
}
