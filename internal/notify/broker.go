package notify

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker 单机=内存，多机=NATS/Redis
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
