package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"donor-insights/internal/donor"
)

// MemoryRepository is a donor.Repository over an in-process population.
type MemoryRepository struct {
	mu     sync.RWMutex
	donors map[string]donor.Record
}

// NewMemoryRepository returns a repository holding records, with donations
// sorted chronologically.
func NewMemoryRepository(records ...donor.Record) *MemoryRepository {
	m := &MemoryRepository{donors: make(map[string]donor.Record, len(records))}
	m.Put(records...)
	return m
}

// Put inserts or replaces records.
func (m *MemoryRepository) Put(records ...donor.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Donations = append([]donor.Donation(nil), r.Donations...)
		r.SortDonations()
		m.donors[r.ID] = r
	}
}

// GetAllDonors returns every donor in id order.
func (m *MemoryRepository) GetAllDonors(ctx context.Context) ([]donor.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]donor.Record, 0, len(m.donors))
	for _, r := range m.donors {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDonorByID returns one donor or an error wrapping donor.ErrNotFound.
func (m *MemoryRepository) GetDonorByID(ctx context.Context, id string) (donor.Record, error) {
	if err := ctx.Err(); err != nil {
		return donor.Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.donors[id]
	if !ok {
		return donor.Record{}, fmt.Errorf("donor %s: %w", id, donor.ErrNotFound)
	}
	return r, nil
}
