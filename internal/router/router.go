// Package router maps notification types to priority lanes and, for the
// debounced subset, to a coalescing delay.
package router

import (
	"fmt"
	"time"

	"github.com/givehub/dispatch/internal/event"
)

// priorities must cover every known type; New fails fast otherwise.
var priorities = map[event.Type]event.Priority{
	event.TypeDonationReceived:      event.PriorityHigh,
	event.TypeDisbursementCompleted: event.PriorityHigh,
	event.TypeDisbursementFailed:    event.PriorityHigh,
	event.TypeCampaignApproved:      event.PriorityHigh,
	event.TypeCampaignRejected:      event.PriorityHigh,
	event.TypeCampaignTargetReached: event.PriorityMedium,
	event.TypePostCommented:         event.PriorityMedium,
	event.TypePostLiked:             event.PriorityLow,
}

// delays lists the types that coalesce rapid repeated triggers. A type
// absent here is dispatched individually.
var delays = map[event.Type]time.Duration{
	event.TypePostLiked: 10 * time.Second,
}

// Router resolves priority and debounce delay for notification types.
type Router struct{}

// New verifies the priority table is total over the type enum and returns
// a router. An unmapped type is a startup error, not a runtime branch.
func New() (*Router, error) {
	for _, t := range event.Types() {
		if _, ok := priorities[t]; !ok {
			return nil, fmt.Errorf("priority router incomplete: no priority for %s", t)
		}
	}
	for t := range delays {
		if _, ok := priorities[t]; !ok {
			return nil, fmt.Errorf("priority router: delay configured for unknown type %s", t)
		}
	}
	return &Router{}, nil
}

// PriorityFor returns the lane for t. Total over the enum once New succeeded.
func (r *Router) PriorityFor(t event.Type) event.Priority {
	return priorities[t]
}

// DelayFor returns the debounce delay for t, and whether t is debounced.
func (r *Router) DelayFor(t event.Type) (time.Duration, bool) {
	d, ok := delays[t]
	return d, ok
}

// DebouncedJobID derives the coalescing job id for a debounced type.
// The id is deterministic over (type, entity) so that repeated triggers on
// the same entity within the window collapse onto one queued job. It must
// never embed a timestamp or per-event id, or coalescing silently breaks.
func (r *Router) DebouncedJobID(t event.Type, entityID string) string {
	return fmt.Sprintf("debounced:%s:%s", t, entityID)
}
