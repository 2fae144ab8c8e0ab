package syncbus

import (
	"context"
	"encoding/json"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultTopic is the Kafka topic lock events travel on.
const DefaultTopic = "rock.lock.events"

// KafkaBus implements Bus using a Kafka backend. Events are produced to and
// consumed from partition 0 of a single topic.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu   sync.Mutex
	pc   sarama.PartitionConsumer
	done chan struct{}
	f    fanout
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers. An
// empty topic selects DefaultTopic.
func NewKafkaBus(brokers []string, topic string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return NewKafkaBusFrom(producer, consumer, topic), nil
}

// NewKafkaBusFrom builds a KafkaBus on an existing producer and consumer.
func NewKafkaBusFrom(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaBus{producer: producer, consumer: consumer, topic: topic}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     b.topic,
		Key:       sarama.StringEncoder(ev.Key),
		Value:     sarama.ByteEncoder(data),
		Partition: 0,
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.pc = pc
		b.done = make(chan struct{})
		go b.dispatch(pc, b.done)
	}
	return b.f.add(ctx, func(ch <-chan Event) {
		_ = b.Unsubscribe(context.Background(), ch)
	})
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer, done chan struct{}) {
	defer close(done)
	for msg := range pc.Messages() {
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			continue
		}
		b.f.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f.remove(ch) > 0 || b.pc == nil {
		return nil
	}
	pc, done := b.pc, b.done
	b.pc, b.done = nil, nil
	err := pc.Close()
	<-done
	return err
}

// Metrics returns the published, delivered and dropped counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	pc := b.pc
	b.pc = nil
	b.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	b.f.closeAll()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
