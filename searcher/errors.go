package searcher

import (
	"errors"
	"fmt"
)

// ErrInvalidK is returned when k is not positive.
var ErrInvalidK = errors.New("searcher: k must be positive")

// ErrEmptyQuery is returned when a request carries no query vectors.
var ErrEmptyQuery = errors.New("searcher: query must contain at least one vector")

// ErrZeroVector is returned for a zero-norm query vector under the cosine
// metric: it has no direction, so cosine distance to it is undefined.
var ErrZeroVector = errors.New("searcher: query vector has zero norm, cosine distance is undefined")

// ErrDimensionMismatch indicates query/column dimensionality disagreement.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	// QueryIndex is the offending vector in a multi-vector query.
	QueryIndex int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("searcher: query vector %d dimension (%d) does not match column dimension (%d)",
		e.QueryIndex, e.Actual, e.Expected)
}

// ErrConflictingOptions indicates two request options that cannot be
// combined.
type ErrConflictingOptions struct {
	A, B string
}

func (e *ErrConflictingOptions) Error() string {
	return fmt.Sprintf("searcher: conflicting request options: %s cannot be combined with %s", e.A, e.B)
}

// ErrMetricOverride indicates a per-request metric override against a graph
// sub-index. The stored graph was traversed and pruned under its build-time
// metric, so its distances cannot be reinterpreted per request.
type ErrMetricOverride struct {
	Requested string
	Built     string
}

func (e *ErrMetricOverride) Error() string {
	return fmt.Sprintf("searcher: metric override %s is not supported on a graph sub-index built with %s", e.Requested, e.Built)
}
