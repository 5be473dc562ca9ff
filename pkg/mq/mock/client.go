// Package mock provides an in-memory mq.ClientInterface for unit specs.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"greenhouse.dev/pulse/pkg/mq"
)

// MockClient records published events and returns configurable results.
// Set the *Func field for custom behavior, or the *Error field to fail a
// method outright.
type MockClient struct {
	mu sync.Mutex

	PushFunc  func(ctx context.Context, data []byte) error
	PushError error
	// PushCalls records every Push with its payload, in order.
	PushCalls []PushCall

	UnsafePushFunc  func(ctx context.Context, data []byte) error
	UnsafePushError error
	UnsafePushCalls []PushCall

	ConsumeFunc    func() (<-chan amqp.Delivery, error)
	ConsumeChannel <-chan amqp.Delivery
	ConsumeError   error
	ConsumeCalls   int

	CloseFunc  func() error
	CloseError error
	CloseCalls int
}

// PushCall records the arguments of one publish.
type PushCall struct {
	Ctx  context.Context
	Data []byte
}

// NewMockClient creates a MockClient that accepts everything.
func NewMockClient() *MockClient {
	return &MockClient{
		ConsumeChannel: make(chan amqp.Delivery),
	}
}

// Push implements mq.ClientInterface.
func (m *MockClient) Push(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PushCalls = append(m.PushCalls, PushCall{Ctx: ctx, Data: data})
	if m.PushFunc != nil {
		return m.PushFunc(ctx, data)
	}
	return m.PushError
}

// UnsafePush implements mq.ClientInterface.
func (m *MockClient) UnsafePush(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnsafePushCalls = append(m.UnsafePushCalls, PushCall{Ctx: ctx, Data: data})
	if m.UnsafePushFunc != nil {
		return m.UnsafePushFunc(ctx, data)
	}
	return m.UnsafePushError
}

// Consume implements mq.ClientInterface.
func (m *MockClient) Consume() (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConsumeCalls++
	if m.ConsumeFunc != nil {
		return m.ConsumeFunc()
	}
	return m.ConsumeChannel, m.ConsumeError
}

// Close implements mq.ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return m.CloseError
}

var _ mq.ClientInterface = (*MockClient)(nil)
