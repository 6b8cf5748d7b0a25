package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// MockHub is an in-memory Hub backed by fixture files (mocks/states.json,
// mocks/services.json), used by the evaluation harness and test-mode
// execution. CallService never makes a network call; it just records the
// call for assertions.
type MockHub struct {
	mu       sync.Mutex
	states   []State
	services ServiceCatalog
	calls    []CallServiceRequest
	events   chan Event
}

// NewMockHub builds a MockHub from already-decoded fixtures.
func NewMockHub(states []State, services ServiceCatalog) *MockHub {
	return &MockHub{states: states, services: services, events: make(chan Event, 16)}
}

// LoadMockHub reads states and services fixture files (JSON) from disk.
func LoadMockHub(statesPath, servicesPath string) (*MockHub, error) {
	states, err := readStatesFixture(statesPath)
	if err != nil {
		return nil, err
	}
	services, err := readServicesFixture(servicesPath)
	if err != nil {
		return nil, err
	}
	return NewMockHub(states, services), nil
}

func readStatesFixture(path string) ([]State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hub: read states fixture: %w", err)
	}
	var states []State
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("hub: decode states fixture: %w", err)
	}
	return states, nil
}

func readServicesFixture(path string) (ServiceCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hub: read services fixture: %w", err)
	}
	var catalog ServiceCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("hub: decode services fixture: %w", err)
	}
	return catalog, nil
}

func (m *MockHub) FetchStates(ctx context.Context) ([]State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.states))
	copy(out, m.states)
	return out, nil
}

func (m *MockHub) FetchServices(ctx context.Context) (ServiceCatalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.services, nil
}

// CallService validates domain/service exist in the fixture catalog and
// records the call; it never performs I/O. Mirrors the real write path's
// shape closely enough that scenario graders can assert on recorded calls.
func (m *MockHub) CallService(ctx context.Context, req CallServiceRequest) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[req.Domain][req.Service]; !ok {
		return nil, fmt.Errorf("hub: unknown service %s.%s", req.Domain, req.Service)
	}
	m.calls = append(m.calls, req)
	return map[string]any{"ok": true}, nil
}

func (m *MockHub) Events(ctx context.Context) (<-chan Event, error) {
	return m.events, nil
}

// Emit pushes a synthetic state_changed event, for scenario scripting.
func (m *MockHub) Emit(evt Event) {
	m.events <- evt
}

// Calls returns every recorded CallService invocation, for scenario graders.
func (m *MockHub) Calls() []CallServiceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallServiceRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// SetState updates (or inserts) one entity's state in place, used by
// scenario scripts to simulate a state change before asserting.
func (m *MockHub) SetState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.states {
		if strings.EqualFold(m.states[i].EntityID, s.EntityID) {
			m.states[i] = s
			return
		}
	}
	m.states = append(m.states, s)
}
