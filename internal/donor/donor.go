// Package donor defines the donor activity records consumed by the analytics
// engine and the repository contract through which they are loaded.
//
// Records are owned by the external data store. The analytics core only reads
// them and never mutates a record it was handed.
package donor

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned by repositories when a donor id does not resolve.
var ErrNotFound = errors.New("donor not found")

// Donation is a single recorded gift.
type Donation struct {
	Amount          float64   `json:"amount"`
	OccurredAt      time.Time `json:"occurred_at"`
	ProjectCategory string    `json:"project_category,omitempty"`
}

// Communication is an outreach touch and whether the donor responded to it.
type Communication struct {
	OccurredAt time.Time `json:"occurred_at"`
	Response   bool      `json:"response"`
}

// EventParticipation records a donor attending an event.
type EventParticipation struct {
	Category   string    `json:"category"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Record is the full activity history of one donor. Donations are ordered
// by OccurredAt ascending.
type Record struct {
	ID                  string               `json:"id"`
	Donations           []Donation           `json:"donations"`
	Communications      []Communication      `json:"communications"`
	EventParticipations []EventParticipation `json:"event_participations"`
}

// Repository is the sole ingestion path for donor records.
type Repository interface {
	GetAllDonors(ctx context.Context) ([]Record, error)
	// GetDonorByID returns an error wrapping ErrNotFound when id is unknown.
	GetDonorByID(ctx context.Context, id string) (Record, error)
}

// SortDonations orders donations by OccurredAt ascending in place. Stores call
// this before handing records out so the ordering invariant holds regardless
// of how the backing store returned rows.
func (r *Record) SortDonations() {
	sort.SliceStable(r.Donations, func(i, j int) bool {
		return r.Donations[i].OccurredAt.Before(r.Donations[j].OccurredAt)
	})
}

// LifetimeValue is the sum of all donation amounts.
func (r Record) LifetimeValue() float64 {
	var total float64
	for _, d := range r.Donations {
		total += d.Amount
	}
	return total
}
