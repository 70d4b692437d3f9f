package blobstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
)

// Memory is the in-process Store used by tests and single-node dev setups.
// Presigned URLs are synthetic mem:// URLs; nothing serves them.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// PutErr, when set, fails the next Put. For failure-path tests.
	PutErr error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		err := m.PutErr
		m.PutErr = nil
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()

	if !ok {
		return nil, apperrors.NotFound("blob", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "mem://put/" + key, nil
}

func (m *Memory) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", apperrors.NotFound("blob", key)
	}
	return "mem://get/" + key, nil
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Object returns a stored object's bytes, or nil.
func (m *Memory) Object(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[key]
}

var _ Store = (*Memory)(nil)
var _ Store = (*R2)(nil)
