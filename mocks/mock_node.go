// Package mocks provides mock implementations of the overlay interfaces used in testing.
package mocks

import (
	"context"
	"time"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/mock"
)

// MockNode is a mock implementation of the overlay.NodeI interface
type MockNode struct {
	mock.Mock
}

// Start mocks the Start method
func (m *MockNode) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Stop mocks the Stop method
func (m *MockNode) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Connection mocks the Connection method
func (m *MockNode) Connection(ctx context.Context, signal overlay.Signaler, resume []byte) (peer.ID, error) {
	args := m.Called(ctx, signal, resume)
	return args.Get(0).(peer.ID), args.Error(1)
}

// Connect mocks the Connect method
func (m *MockNode) Connect(ctx context.Context, from, to peer.ID) (peer.ID, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(peer.ID), args.Error(1)
}

// Bridge mocks the Bridge method
func (m *MockNode) Bridge(ctx context.Context, from, to peer.ID) error {
	args := m.Called(ctx, from, to)
	return args.Error(0)
}

// Send mocks the Send method
func (m *MockNode) Send(ctx context.Context, peerID peer.ID, frame []byte) error {
	args := m.Called(ctx, peerID, frame)
	return args.Error(0)
}

// Disconnect mocks the Disconnect method
func (m *MockNode) Disconnect(ctx context.Context, peerIDs ...peer.ID) error {
	args := m.Called(ctx, peerIDs)
	return args.Error(0)
}

// SetObserver mocks the SetObserver method
func (m *MockNode) SetObserver(o overlay.Observer) {
	m.Called(o)
}

// SetMessageHandler mocks the SetMessageHandler method
func (m *MockNode) SetMessageHandler(h overlay.Handler) {
	m.Called(h)
}

// HostID mocks the HostID method
func (m *MockNode) HostID() peer.ID {
	args := m.Called()
	return args.Get(0).(peer.ID)
}

// Get mocks the Get method
func (m *MockNode) Get(peerID peer.ID) (overlay.ArcEntry, bool) {
	args := m.Called(peerID)
	return args.Get(0).(overlay.ArcEntry), args.Bool(1)
}

// Snapshot mocks the Snapshot method
func (m *MockNode) Snapshot(role overlay.Role) []overlay.ArcEntry {
	args := m.Called(role)
	if entries := args.Get(0); entries != nil {
		return entries.([]overlay.ArcEntry)
	}
	return nil
}

// LastSend mocks the LastSend method
func (m *MockNode) LastSend() time.Time {
	args := m.Called()
	return args.Get(0).(time.Time)
}

// LastRecv mocks the LastRecv method
func (m *MockNode) LastRecv() time.Time {
	args := m.Called()
	return args.Get(0).(time.Time)
}

// BytesSent mocks the BytesSent method
func (m *MockNode) BytesSent() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

// BytesReceived mocks the BytesReceived method
func (m *MockNode) BytesReceived() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

// GetProcessName mocks the GetProcessName method
func (m *MockNode) GetProcessName() string {
	args := m.Called()
	return args.String(0)
}

// NewMockNode creates a new mock overlay node instance
func NewMockNode() *MockNode {
	return &MockNode{}
}

var _ overlay.NodeI = (*MockNode)(nil)
