package twin

import (
	"fmt"

	"go.uber.org/multierr"
)

// Failure records why one item of a batch did not succeed.
type Failure[T any] struct {
	Ref    T      `json:"ref"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// BatchOutcome accounts for every item of a fan-out operation.
// Once complete, len(Succeeded)+len(Failed) == Total.
type BatchOutcome[T any] struct {
	Total     int          `json:"total"`
	Succeeded []T          `json:"succeeded"`
	Failed    []Failure[T] `json:"failed"`
}

// NewBatchOutcome returns an empty outcome expecting total items.
func NewBatchOutcome[T any](total int) BatchOutcome[T] {
	return BatchOutcome[T]{
		Total:     total,
		Succeeded: make([]T, 0, total),
		Failed:    make([]Failure[T], 0),
	}
}

// Succeed records a successful item.
func (o *BatchOutcome[T]) Succeed(ref T) {
	o.Succeeded = append(o.Succeeded, ref)
}

// Fail records a failed item.
func (o *BatchOutcome[T]) Fail(ref T, err error) {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	o.Failed = append(o.Failed, Failure[T]{Ref: ref, Reason: reason, Err: err})
}

// Resolved returns the number of items accounted for so far.
func (o BatchOutcome[T]) Resolved() int {
	return len(o.Succeeded) + len(o.Failed)
}

// Complete reports whether every item has been accounted for.
func (o BatchOutcome[T]) Complete() bool {
	return o.Resolved() == o.Total
}

// Err combines the per-item errors, or returns nil when nothing failed.
func (o BatchOutcome[T]) Err() error {
	var err error
	for _, f := range o.Failed {
		cause := f.Err
		if cause == nil {
			cause = fmt.Errorf("%s", f.Reason)
		}
		err = multierr.Append(err, fmt.Errorf("%v: %w", f.Ref, cause))
	}
	return err
}

// String summarizes the outcome for logs.
func (o BatchOutcome[T]) String() string {
	return fmt.Sprintf("%d/%d succeeded, %d failed", len(o.Succeeded), o.Total, len(o.Failed))
}
