package doc

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("doc: not found")
	ErrInvalidArgument = errors.New("doc: invalid argument")
	ErrCorruptChange   = errors.New("doc: corrupt change")
	ErrCorruptSnapshot = errors.New("doc: corrupt snapshot")
)

// MergeError reports one remote change that could not be decoded or applied. Index is the position
// of the change in the batch passed to Merge.
type MergeError struct {
	Index int
	Err   error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("doc: change %d: %v", e.Index, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}
