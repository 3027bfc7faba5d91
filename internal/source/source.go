// Package source resolves a campaign's configured data source into the rows
// to be queued for dispatch.
package source

import (
	"context"
	"fmt"
	"sync"
)

// Row is one dialable target from a campaign source. SourceUUID must be
// stable across re-syncs so repeated syncs never duplicate queue rows.
type Row struct {
	SourceUUID       string
	ContextVariables map[string]string
}

// Syncer fetches the full row set for a source.
type Syncer interface {
	FetchRows(ctx context.Context, sourceID string) ([]Row, error)
}

// Registry maps a campaign's source_type to its Syncer.
type Registry struct {
	mu      sync.RWMutex
	syncers map[string]Syncer
}

func NewRegistry() *Registry {
	return &Registry{syncers: make(map[string]Syncer)}
}

func (r *Registry) Register(sourceType string, s Syncer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncers[sourceType] = s
}

func (r *Registry) For(sourceType string) (Syncer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.syncers[sourceType]
	if !ok {
		return nil, fmt.Errorf("source: no syncer registered for type %q", sourceType)
	}
	return s, nil
}

// StaticSyncer serves fixed row sets keyed by source id. Used in tests and
// for campaigns whose targets are uploaded inline at creation.
type StaticSyncer struct {
	mu   sync.RWMutex
	rows map[string][]Row
}

func NewStaticSyncer() *StaticSyncer {
	return &StaticSyncer{rows: make(map[string][]Row)}
}

func (s *StaticSyncer) Put(sourceID string, rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sourceID] = rows
}

func (s *StaticSyncer) FetchRows(_ context.Context, sourceID string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.rows[sourceID]
	if !ok {
		return nil, fmt.Errorf("source: unknown static source %q", sourceID)
	}
	out := make([]Row, len(rows))
	copy(out, rows)
	return out, nil
}

var _ Syncer = (*StaticSyncer)(nil)
