package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// FakeMachine records what the fake backend knows about one booted VM.
type FakeMachine struct {
	ProviderID string
	MachineID  string
	Secret     string
	Env        map[string]string
	Destroyed  bool
	Restarts   int
}

// Fake is the in-memory backend used by tests and the default dev config.
// Boots are instant and images round-trip through a byte buffer.
type Fake struct {
	mu       sync.Mutex
	seq      int
	machines map[string]*FakeMachine // keyed by provider ID
	images   map[string][]byte       // last imported image per provider ID

	// CreateErr and DestroyErr, when set, fail the next matching call.
	CreateErr  error
	DestroyErr error
	// ExportContent is what ExportImage streams. Defaults to a fixed blob.
	ExportContent []byte
}

// NewFake creates an empty fake backend.
func NewFake() *Fake {
	return &Fake{
		machines:      make(map[string]*FakeMachine),
		images:        make(map[string][]byte),
		ExportContent: []byte("fake-machine-image"),
	}
}

func (p *Fake) Name() string {
	return "fake"
}

func (p *Fake) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Fake) Create(_ context.Context, req *CreateRequest) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CreateErr != nil {
		err := p.CreateErr
		p.CreateErr = nil
		return nil, err
	}

	p.seq++
	id := fmt.Sprintf("fake-%d", p.seq)
	env := make(map[string]string, len(req.Env))
	for k, v := range req.Env {
		env[k] = v
	}
	p.machines[id] = &FakeMachine{
		ProviderID: id,
		MachineID:  req.MachineID,
		Secret:     req.Secret,
		Env:        env,
	}
	return &Instance{ProviderID: id, IPv4: "127.0.0.1"}, nil
}

func (p *Fake) Destroy(_ context.Context, providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.DestroyErr != nil {
		err := p.DestroyErr
		p.DestroyErr = nil
		return err
	}

	if m, ok := p.machines[providerID]; ok {
		m.Destroyed = true
	}
	return nil
}

func (p *Fake) ExportImage(_ context.Context, providerID string) (io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.machines[providerID]
	if !ok || m.Destroyed {
		return nil, fmt.Errorf("fake machine %s not running", providerID)
	}
	return io.NopCloser(bytes.NewReader(p.ExportContent)), nil
}

func (p *Fake) ImportImage(_ context.Context, providerID string, image io.Reader) error {
	data, err := io.ReadAll(image)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.machines[providerID]
	if !ok || m.Destroyed {
		return fmt.Errorf("fake machine %s not running", providerID)
	}
	p.images[providerID] = data
	m.Restarts++
	return nil
}

// Machine returns the record for a provider ID, or nil.
func (p *Fake) Machine(providerID string) *FakeMachine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machines[providerID]
}

// Alive counts machines that have been created and not destroyed.
func (p *Fake) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, m := range p.machines {
		if !m.Destroyed {
			n++
		}
	}
	return n
}

// ImportedImage returns the bytes last imported into a machine.
func (p *Fake) ImportedImage(providerID string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.images[providerID]
}
