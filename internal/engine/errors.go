package engine

import (
	"errors"
	"fmt"

	"github.com/Krestall88/cleaning-control/internal/domain"
)

// ErrUnavailable is returned when store contention outlives the retry budget.
var ErrUnavailable = errors.New("store contention exceeded retry budget")

// ValidationError rejects a mutation whose preconditions are unmet. The
// Requirement names exactly what failed so callers can remediate.
type ValidationError struct {
	Requirement string
}

func (e ValidationError) Error() string {
	return "validation failed: " + e.Requirement
}

// TransitionError rejects a status change the lifecycle does not allow.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
