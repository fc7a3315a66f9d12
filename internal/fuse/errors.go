package fuse

import (
	"errors"
	"fmt"

	"github.com/zerosnacks/fuse-v1/internal/contract"
	"github.com/zerosnacks/fuse-v1/internal/registry"
)

type (
	// UnsupportedNetworkError is returned by New for chain ids outside the
	// allow-list.
	UnsupportedNetworkError = registry.UnsupportedNetworkError
	// RemoteCallError is returned for any failed view call.
	RemoteCallError = contract.CallError
)

// ErrPoolIndexOutOfRange is returned when a verified-pool position does not
// exist.
var ErrPoolIndexOutOfRange = errors.New("pool index out of range")

// FanOutError reports the dependent call that failed a composite
// aggregation. No partial result accompanies it.
type FanOutError struct {
	Operation string
	Index     int
	Key       string
	Cause     error
}

func (e *FanOutError) Error() string {
	return fmt.Sprintf("%s: dependent call %d (%s) failed: %v", e.Operation, e.Index, e.Key, e.Cause)
}

func (e *FanOutError) Unwrap() error { return e.Cause }

// DuplicateKeyError is returned when an aggregation produces the same key
// twice.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate result key %s", e.Key)
}
