// Package errdefs defines the error taxonomy shared by the training core.
//
// Callers wrap one of the sentinels with fmt.Errorf("...: %w", ...) and test
// for the category with errors.Is. None of these conditions is retried.
package errdefs

import "errors"

var (
	// ErrConfiguration reports an invalid or missing option.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidMetric reports a metric name outside the supported set.
	// It is also a configuration error.
	ErrInvalidMetric = &wrapped{msg: "invalid metric", parent: ErrConfiguration}

	// ErrShapeMismatch reports prediction/target tensors that cannot be paired.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCheckpointMismatch reports a checkpoint whose layout does not match
	// the training method it is being loaded under.
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")

	// ErrResource reports a missing artifact or an unwritable location.
	ErrResource = errors.New("resource error")
)

type wrapped struct {
	msg    string
	parent error
}

func (w *wrapped) Error() string { return w.msg }

func (w *wrapped) Unwrap() error { return w.parent }
