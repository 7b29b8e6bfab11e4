package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var ErrProducerClosed = errors.New("kafka producer closed")

// Producer buffers messages in an inbox and writes them from one goroutine.
// A sync producer skips the inbox and writes inside Publish.
type Producer struct {
	w         *kafka.Writer
	inbox     chan kafka.Message
	closeCh   chan struct{}
	stopping  chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	blocking  bool
	log       *zap.Logger
}

func NewProducer(brokers []string, topic string, buf int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Producer{
		inbox:    make(chan kafka.Message, buf),
		closeCh:  make(chan struct{}),
		stopping: make(chan struct{}),
		log:      log.With(zap.String("topic", topic)),
	}
	p.w = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true, // fire-and-forget untuk throughput; error dilaporkan lewat Completion
		Completion:   p.completion,
	}
	return p
}

// NewSyncProducer returns a producer whose Publish returns only after the
// brokers acknowledged the message, for events that must not be lost silently.
func NewSyncProducer(brokers []string, topic string, log *zap.Logger) *Producer {
	p := NewProducer(brokers, topic, 0, log)
	p.w.Async = false
	p.w.Completion = nil
	// one message per write; do not wait for a batch to fill
	p.w.BatchTimeout = 10 * time.Millisecond
	p.blocking = true
	return p
}

func (p *Producer) completion(msgs []kafka.Message, err error) {
	if err != nil {
		p.log.Error("kafka write failed", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.Close()
				// flush sisa pesan lalu tutup writer
				for m := range p.inbox {
					p.write(m)
				}
				p.closeWriter()
				return
			case m, ok := <-p.inbox:
				if !ok {
					p.closeWriter()
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		p.log.Error("kafka write failed", zap.ByteString("key", m.Key), zap.Error(err))
	}
}

func (p *Producer) closeWriter() {
	if err := p.w.Close(); err != nil {
		p.log.Warn("kafka writer close", zap.Error(err))
	}
}

// Publish queues a message, or writes it when the producer is sync.
// The trace context in ctx travels in the headers.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	m := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: InjectTrace(ctx, headers),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	if p.blocking {
		return p.w.WriteMessages(ctx, m)
	}
	select {
	case p.inbox <- m:
		return nil
	case <-p.stopping:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages; the writer goroutine flushes what is queued and exits.
// In-flight sync writes finish first.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		close(p.stopping)
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		p.mu.Unlock()
	})
}

// Tunggu sampai goroutine selesai.
func (p *Producer) WaitClosed() { <-p.closeCh }

// InjectTrace appends the propagated trace context from ctx to headers.
func InjectTrace(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := HeaderCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	return carrier.headers
}

// ExtractTrace returns ctx carrying the trace context found in headers.
func ExtractTrace(ctx context.Context, headers []kafka.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &HeaderCarrier{headers: headers})
}

// HeaderCarrier adapts kafka headers to propagation.TextMapCarrier.
type HeaderCarrier struct{ headers []kafka.Header }

func (c *HeaderCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range c.headers {
		if h.Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	out := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		out = append(out, h.Key)
	}
	return out
}
