package mocks

import (
	"context"
	"sync"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/mock"
)

// MockEngine is a mock implementation of the overlay.Engine interface. The handler
// installed by the node is kept so tests can emit engine events with Emit.
type MockEngine struct {
	mock.Mock

	mu      sync.Mutex
	handler overlay.EngineHandler
}

// SetHandler records the handler; it is not an expectation
func (m *MockEngine) SetHandler(h overlay.EngineHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Emit returns the handler installed by the node
func (m *MockEngine) Emit() overlay.EngineHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// Initiate mocks the Initiate method
func (m *MockEngine) Initiate(ctx context.Context, id overlay.HandshakeID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Accept mocks the Accept method
func (m *MockEngine) Accept(ctx context.Context, id overlay.HandshakeID, resume []byte) error {
	args := m.Called(ctx, id, resume)
	return args.Error(0)
}

// Signal mocks the Signal method
func (m *MockEngine) Signal(id overlay.HandshakeID, payload []byte) error {
	args := m.Called(id, payload)
	return args.Error(0)
}

// Abort mocks the Abort method
func (m *MockEngine) Abort(id overlay.HandshakeID) {
	m.Called(id)
}

// Close mocks the Close method
func (m *MockEngine) Close(remote peer.ID) error {
	args := m.Called(remote)
	return args.Error(0)
}

// NewMockEngine creates a new mock engine instance
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// MockChannel is a mock implementation of the overlay.Channel interface
type MockChannel struct {
	mock.Mock
}

// Send mocks the Send method
func (m *MockChannel) Send(ctx context.Context, frame []byte) error {
	args := m.Called(ctx, frame)
	return args.Error(0)
}

// Close mocks the Close method
func (m *MockChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// NewMockChannel creates a new mock channel instance
func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

var (
	_ overlay.Engine  = (*MockEngine)(nil)
	_ overlay.Channel = (*MockChannel)(nil)
)
