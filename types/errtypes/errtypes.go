// Package errtypes contains custom error types
package errtypes

import (
	"fmt"
)

// NotFoundError reports a tensor or adapter reference that is absent
// from a checkpoint manifest.
type NotFoundError struct {
	Name   string
	Where  string
	Reason string
}

func (e *NotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%q not found in %s: %s", e.Name, e.Where, e.Reason)
	}
	return fmt.Sprintf("%q not found in %s", e.Name, e.Where)
}

// ShapeMismatchError reports a dimension disagreement between a delta
// and its target backbone tensor, or between shards of one tensor.
type ShapeMismatchError struct {
	Name string
	Want []uint64
	Got  []uint64
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %q: want %v, got %v", e.Name, e.Want, e.Got)
}

// UnsupportedSchemeError reports an unrecognized quantization scheme or
// adapter variant tag. It is fatal and never retried.
type UnsupportedSchemeError struct {
	Scheme string
	Name   string
}

func (e *UnsupportedSchemeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unsupported scheme %q for %q", e.Scheme, e.Name)
	}
	return fmt.Sprintf("unsupported scheme %q", e.Scheme)
}

// CorruptDataError reports stored bytes that do not match the size or
// framing their manifest entry declares.
type CorruptDataError struct {
	Name   string
	Reason string
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt data for %q: %s", e.Name, e.Reason)
}

// IOCommitError reports a failure while staging or committing the
// output checkpoint. The staging directory is cleaned up before this
// error is returned.
type IOCommitError struct {
	Destination string
	Err         error
}

func (e *IOCommitError) Error() string {
	return fmt.Sprintf("commit to %q failed: %v", e.Destination, e.Err)
}

func (e *IOCommitError) Unwrap() error {
	return e.Err
}
