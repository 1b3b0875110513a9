package quiver

import (
	"errors"
	"fmt"

	"github.com/quiverdb/quiver/blobstore"
	"github.com/quiverdb/quiver/internal/builder"
	"github.com/quiverdb/quiver/searcher"
)

var (
	// ErrValidation is the class of synchronous argument errors: dimension
	// mismatches, non-divisible sub-vector counts, conflicting request
	// options. Raised before any storage work begins.
	ErrValidation = errors.New("validation error")

	// ErrNotFound covers unknown index names, missing artifacts and
	// out-of-range partition ids.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported marks operation combinations the engine refuses, such
	// as an ANN search over a fragment subset without a prefilter.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrSanityCheck wraps a post-build validation failure: the index was
	// written successfully but cannot recover its own rows, indicating a
	// semantically wrong artifact rather than a malformed request.
	ErrSanityCheck = errors.New("sanity check failed")
)

// translateError maps internal errors onto the public taxonomy. Unmapped
// errors pass through unchanged; the underlying error always remains
// reachable via errors.Unwrap.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var sanity *builder.ErrSanityCheck
	if errors.As(err, &sanity) {
		return fmt.Errorf("%w: %w", ErrSanityCheck, err)
	}
	var params *builder.ErrInvalidParams
	if errors.As(err, &params) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var dim *searcher.ErrDimensionMismatch
	if errors.As(err, &dim) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	var conflict *searcher.ErrConflictingOptions
	if errors.As(err, &conflict) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	var override *searcher.ErrMetricOverride
	if errors.As(err, &override) {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	if errors.Is(err, searcher.ErrInvalidK) || errors.Is(err, searcher.ErrEmptyQuery) ||
		errors.Is(err, searcher.ErrZeroVector) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	return err
}

// validationf builds an ErrValidation with a stable message naming the
// offending field.
func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// notFoundf builds an ErrNotFound with a stable message.
func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// unsupportedf builds an ErrUnsupported with a stable message.
func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
