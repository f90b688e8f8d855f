// Package query defines optional interfaces for extending Store
// implementations with dashboard-specific query capabilities.
//
// Following Rob Pike's principle: "The bigger the interface, the weaker
// the abstraction." Each interface has a single method, allowing stores
// to implement only what they need.
//
// These interfaces are OPTIONAL. Dashboard code should type-assert to
// check if a store implements the desired interface:
//
//	if lister, ok := store.(query.InstanceLister); ok {
//	    instances, err := lister.ListInstances(ctx, filter)
//	    // render the worklist
//	}
//
// The engine itself never requires them.
package query

import (
	"context"

	"github.com/orkappm/approvals/workflow"
)

// InstanceFilter specifies criteria for querying workflow instances.
// All fields are optional; zero values mean "no filter".
type InstanceFilter struct {
	// WorkflowID filters by definition ID.
	WorkflowID string

	// Status filters by instance status (e.g. "in_progress", "completed").
	Status workflow.InstanceStatus

	// EntityType filters by the kind of entity under approval.
	EntityType string

	// ProjectID filters by owning project.
	ProjectID string

	// Limit caps the number of results (0 means no limit).
	Limit int

	// Offset skips the first N results (for pagination).
	Offset int
}

// InstanceLister enables listing instances matching a filter, ordered by
// creation time descending.
type InstanceLister interface {
	// ListInstances returns instances matching the filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]workflow.Instance, error)
}

// InstanceCounter enables efficient counting of instances matching a
// filter. Implement this to support pagination totals without loading
// rows. The Limit and Offset fields are ignored for counting.
type InstanceCounter interface {
	// CountInstances returns the total number of instances matching the
	// filter.
	CountInstances(ctx context.Context, filter InstanceFilter) (int64, error)
}

// EntityQuerier enables finding the approval runs recorded against an
// application-defined entity.
//
// Example: find all runs for a specific budget:
//
//	ids, err := querier.QueryByEntity(ctx, "budget", "budget-123")
type EntityQuerier interface {
	// QueryByEntity returns instance IDs for runs correlated to an
	// entity, ordered by creation time. Returns an empty slice if no
	// runs match.
	QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error)
}
