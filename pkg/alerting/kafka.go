package alerting

import (
	"context"

	"github.com/IBM/sarama"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
)

// KafkaSink publishes alerts as JSON to a Kafka topic, keyed by account so
// one account's alerts stay ordered.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink wraps an existing producer.
func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// DialKafka creates a sync producer for cfg.
func DialKafka(cfg config.KafkaConfig) (*KafkaSink, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig(cfg))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "creating kafka alert producer")
	}
	return NewKafkaSink(producer, cfg.Topic), nil
}

func saramaConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	return sc
}

// Emit implements Sink.
func (k *KafkaSink) Emit(_ context.Context, a Alert) error {
	value, err := jsonpool.Marshal(a)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding alert")
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(a.Key().String()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("source"), Value: []byte(a.Source)},
			{Key: []byte("error_type"), Value: []byte(a.ErrorType)},
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
		Timestamp: a.Time,
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "publishing alert")
	}
	return nil
}

// Close implements Sink.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
