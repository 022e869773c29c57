package temporal

import (
	"context"
	"sync"

	solanago "github.com/gagliardetto/solana-go"
)

// MockWatchStarter is a mock implementation of WatchStarter for testing.
type MockWatchStarter struct {
	mu      sync.Mutex
	watches map[string]WatchInput // map[workflowID]input
	err     error
}

var _ WatchStarter = (*MockWatchStarter)(nil)

// NewMockWatchStarter creates a new MockWatchStarter.
func NewMockWatchStarter() *MockWatchStarter {
	return &MockWatchStarter{watches: make(map[string]WatchInput)}
}

// StartWatch records the watch. A second watch for the same signature keeps
// the first input, like the real client.
func (m *MockWatchStarter) StartWatch(ctx context.Context, input WatchInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}

	id := WatchWorkflowID(input.Signature)
	if _, ok := m.watches[id]; !ok {
		m.watches[id] = input
	}
	return "run-" + input.Signature, nil
}

// Watch records a watch with no defaults applied.
func (m *MockWatchStarter) Watch(ctx context.Context, sig solanago.Signature, wallet string) error {
	_, err := m.StartWatch(ctx, WatchInput{Signature: sig.String(), Wallet: wallet})
	return err
}

// SetError makes every subsequent call fail.
func (m *MockWatchStarter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Watched reports whether a watch exists for the signature.
func (m *MockWatchStarter) Watched(signature string) (WatchInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.watches[WatchWorkflowID(signature)]
	return in, ok
}

// Count returns the number of distinct watches.
func (m *MockWatchStarter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}
