// Package security supplies the credentials a client presents during the
// connection handshake and, when the server asks for it, runs the
// interactive authentication exchange over the still-blocking socket.
package security

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/usock/internal/protocol"
)

var ErrUnknownModule = errors.New("security: unknown module")

// Provider is one pluggable security module.
type Provider interface {
	Name() string
	// CreateCredential may return nil when the module offers none.
	CreateCredential() ([]byte, error)
	// ClientHandshake runs over rw before the server assigns an index.
	ClientHandshake(rw io.ReadWriter) error
}

// Registry holds the modules available to this process in preference order.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// DefaultRegistry offers native first and none as fallback.
func DefaultRegistry() *Registry {
	return NewRegistry(Native{}, None{})
}

// Register adds p, replacing any module of the same name in place.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.providers {
		if existing.Name() == p.Name() {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

func (r *Registry) Lookup(name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
}

// Modules is the comma separated list advertised to the server.
func (r *Registry) Modules() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name())
	}
	return strings.Join(names, ",")
}

// Failure marks err as a security failure unless it already is one.
func Failure(module string, err error) error {
	if err == nil || errors.Is(err, protocol.ErrSecurityFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", protocol.ErrSecurityFailure, module, err)
}
