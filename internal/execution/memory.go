package execution

import (
	"os"
	"sync"
)

// Memory is the single per-runtime scratchpad file the execution LLM may
// read and overwrite between runs. A mutex is held for the duration of each
// read/write so concurrent execution jobs never interleave writes.
type Memory struct {
	mu   sync.Mutex
	path string
}

// NewMemory returns a scratchpad backed by the file at path.
func NewMemory(path string) *Memory {
	return &Memory{path: path}
}

// Read returns the scratchpad's last committed contents. A missing file
// reads as empty, not an error (no automation has written yet).
func (m *Memory) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write overwrites the scratchpad's contents.
func (m *Memory) Write(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.WriteFile(m.path, []byte(text), 0o644)
}
