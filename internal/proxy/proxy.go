// Package proxy implements the forward proxy engine: listener, request
// dispatcher, upstream connector and tunnel relay.
package proxy

import (
	"context"
	"sync/atomic"

	"forward-proxy/internal/auth"
	"forward-proxy/internal/policy"
)

// Proxy is the interface for all proxy front ends.
type Proxy interface {
	Name() string
	Start(ctx context.Context) error
}

// Gate is the immutable set of security decisions applied to every request:
// who may use the proxy and which targets they may reach. Token is optional.
type Gate struct {
	Credentials *auth.Store
	Rules       *policy.RuleSet
	Token       *auth.SecretToken
}

// Guard publishes the current Gate. Sessions load the Gate once when they
// start and keep it; Swap only affects sessions accepted afterwards.
type Guard struct {
	current atomic.Pointer[Gate]
}

// NewGuard returns a Guard serving g.
func NewGuard(g *Gate) *Guard {
	guard := &Guard{}
	guard.current.Store(g)
	return guard
}

// Load returns the current Gate.
func (g *Guard) Load() *Gate { return g.current.Load() }

// Swap replaces the current Gate.
func (g *Guard) Swap(next *Gate) { g.current.Store(next) }
