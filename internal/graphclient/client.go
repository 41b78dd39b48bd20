// Package graphclient defines the graph store contract (an external
// collaborator per spec §1 — out of scope beyond its interface) and an
// in-memory implementation used by the graph-ingestion worker and the
// Health Monitor's connectivity probe. No driver-backed implementation
// exists in this package.
package graphclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/codegraph-dev/orchestrator/internal/domain"
)

// Client is the contract the graph-ingestion worker and Health
// Monitor depend on. Only the operations the orchestration core
// actually calls are modeled; the real graph database's query
// language is not reimplemented here.
type Client interface {
	VerifyConnectivity(ctx context.Context) error
	WriteRelationships(ctx context.Context, rels []domain.Relationship) error
	Close() error
}

// memoryClient is a lightweight stand-in for an external graph store;
// cmd/orchestrator uses it for every run, with or without --test-mode.
// It satisfies the Client contract so graph-ingestion and health
// probes exercise the same code paths as a real deployment.
type memoryClient struct {
	mu    sync.Mutex
	count int
}

// NewInMemory returns a Client that accepts writes without
// persisting them anywhere external.
func NewInMemory() Client { return &memoryClient{} }

func (m *memoryClient) VerifyConnectivity(ctx context.Context) error { return nil }

func (m *memoryClient) WriteRelationships(ctx context.Context, rels []domain.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count += len(rels)
	return nil
}

func (m *memoryClient) Close() error { return nil }

// Count reports how many relationships have been written, for tests.
func (m *memoryClient) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// ErrPoolExhausted and ErrDeadlock are the two non-failure error
// classes the graph-store breaker tags as non-counting (spec §4.3
// specialization): they back off but never open the circuit.
var (
	ErrPoolExhausted = fmt.Errorf("graphclient: connection pool exhausted")
	ErrDeadlock      = fmt.Errorf("graphclient: deadlock detected")
)
