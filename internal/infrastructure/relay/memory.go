package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/masjids-io/chatspot/internal/domain"
	"go.uber.org/zap"
)

// Memory is an in-process relay. Every (topic, group, partition) gets a
// bounded channel drained by a single goroutine. Events published while no
// group is subscribed are discarded.
type Memory struct {
	partitions int
	buffer     int
	log        *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[string][]chan domain.Envelope
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewMemory(partitions, buffer int, log *zap.Logger) *Memory {
	if partitions < 1 {
		partitions = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Memory{
		partitions: partitions,
		buffer:     buffer,
		log:        log.Named("relay.memory"),
		topics:     make(map[string]map[string][]chan domain.Envelope),
		done:       make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, topic, key string, env domain.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	p := Partition(key, m.partitions)

	m.mu.RLock()
	defer m.mu.RUnlock()
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	for _, chans := range m.topics[topic] {
		select {
		case chans[p] <- env:
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %v: %w", topic, ctx.Err(), domain.ErrIOFailure)
		case <-m.done:
			return ErrClosed
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	groups, ok := m.topics[topic]
	if !ok {
		groups = make(map[string][]chan domain.Envelope)
		m.topics[topic] = groups
	}
	if _, ok := groups[group]; ok {
		return fmt.Errorf("%s/%s: %w", topic, group, ErrAlreadySubscribed)
	}

	chans := make([]chan domain.Envelope, m.partitions)
	for p := range chans {
		chans[p] = make(chan domain.Envelope, m.buffer)
		m.wg.Add(1)
		go m.consume(ctx, topic, p, chans[p], h)
	}
	groups[group] = chans
	m.log.Info("subscribed", zap.String("topic", topic), zap.String("group", group), zap.Int("partitions", m.partitions))
	return nil
}

func (m *Memory) consume(ctx context.Context, topic string, p int, ch <-chan domain.Envelope, h Handler) {
	defer m.wg.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ch:
			if err := h(ctx, env); err != nil {
				m.log.Error("handler_failed",
					zap.String("topic", topic),
					zap.Int("partition", p),
					zap.String("event_id", env.EventID.String()),
					zap.Error(err))
			}
		}
	}
}

// Close stops all consumers and waits for in-flight handlers to return.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}
