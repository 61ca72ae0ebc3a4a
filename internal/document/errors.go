package document

import (
	"errors"
	"fmt"
)

var (
	// ErrCyclicGroup indicates an edit that would create a cycle in the
	// group parent relation.
	ErrCyclicGroup = errors.New("document: cyclic group")
	// ErrLayerNotFound indicates a reference to a layer GUID that does not exist.
	ErrLayerNotFound = errors.New("document: layer not found")
	// ErrShapeNotFound indicates a reference to a shape GUID that does not exist.
	ErrShapeNotFound = errors.New("document: shape not found")
	// ErrBrushNotFound indicates a reference to a brush GUID that does not exist.
	ErrBrushNotFound = errors.New("document: brush not found")
	// ErrInvalidEdit indicates an edit whose fields violate a model rule.
	ErrInvalidEdit = errors.New("document: invalid edit")
	// ErrAmbiguousProperty indicates a property name present in more than one
	// type table for the same owner.
	ErrAmbiguousProperty = errors.New("document: ambiguous property")
	// ErrWriteFailed indicates an underlying I/O failure while appending to
	// the edit log or committing a cache transaction.
	ErrWriteFailed = errors.New("document: write failed")
	// ErrCorruptPayload indicates an edit log payload whose checksum does not
	// match its stored bytes.
	ErrCorruptPayload = errors.New("document: corrupt edit payload")
)

// DocumentError carries a stable machine-readable code alongside the cause.
type DocumentError struct {
	code string
	err  error
}

// Error renders the code and cause.
func (e *DocumentError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes the cause for errors.Is and errors.As.
func (e *DocumentError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *DocumentError) Code() string {
	return e.code
}

func newDocumentError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &DocumentError{code: code, err: cause}
}

// isApplyRejection reports whether an apply failure is an edit rejection:
// the edit stays in the log, a rejection record is written, and the cache is
// left untouched. Anything else aborts the whole transaction.
func isApplyRejection(err error) bool {
	return errors.Is(err, ErrCyclicGroup) ||
		errors.Is(err, ErrLayerNotFound) ||
		errors.Is(err, ErrShapeNotFound) ||
		errors.Is(err, ErrBrushNotFound) ||
		errors.Is(err, ErrInvalidEdit)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrCyclicGroup):
		return "cyclic_group"
	case errors.Is(err, ErrLayerNotFound):
		return "layer_not_found"
	case errors.Is(err, ErrShapeNotFound):
		return "shape_not_found"
	case errors.Is(err, ErrBrushNotFound):
		return "brush_not_found"
	case errors.Is(err, ErrInvalidEdit):
		return "invalid_edit"
	default:
		return "apply_failed"
	}
}
