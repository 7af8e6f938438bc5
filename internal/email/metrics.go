package email

import (
	"context"
	"fmt"
	"time"
)

// Aggregator reports delivery metrics over a time window.
type Aggregator struct {
	store MessageStore
}

// NewAggregator creates a metrics aggregator over the given store.
func NewAggregator(store MessageStore) *Aggregator {
	return &Aggregator{store: store}
}

// Window returns aggregate counts and rates for messages created inside
// [start, end). A nil bound leaves that side of the window open.
func (a *Aggregator) Window(ctx context.Context, start, end *time.Time) (*Metrics, error) {
	if start != nil && end != nil && !end.After(*start) {
		return nil, &ValidationError{Field: "end", Reason: "must be after start"}
	}
	m, err := a.store.Aggregate(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("aggregating delivery metrics: %w", err)
	}
	return m, nil
}
