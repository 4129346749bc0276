package pubsub

// LocalBus 进程内总线, 单进程部署与测试时替代 broker
type LocalBus struct {
	consumers *consumers
}

func NewLocalBus() *LocalBus {
	return &LocalBus{consumers: newConsumers("local")}
}

func (b *LocalBus) Publish(topic string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.consumers.deliver(topic, cp)
}

func (b *LocalBus) Subscribe(topic string, handler Handler) {
	if !validTopic(topic) {
		return
	}
	b.consumers.add(topic, handler)
}

func (b *LocalBus) Unsubscribe(topic string) {
	b.consumers.remove(topic)
}

func (b *LocalBus) Close() {
	b.consumers.close()
}
