// Package treeerr defines the error kinds shared by the treestore and
// shardedtree packages.
package treeerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// NonExistingFiles is returned when a MustExist open finds a required file
// missing, or when a ShardedTreeStore read dispatches to a shard that has
// never been created.
type NonExistingFiles struct {
	Path string
}

func (e *NonExistingFiles) Error() string {
	return fmt.Sprintf("non-existing tree files at %q", e.Path)
}

// NonExistingNode is returned when a NodeId is at or beyond the current
// node count for the targeted store.
type NonExistingNode struct {
	ID uint64
}

func (e *NonExistingNode) Error() string {
	return fmt.Sprintf("node %d does not exist", e.ID)
}

// LogicError reports a contract violation: a duplicate key, a children
// block at capacity, a shard roster at capacity, or a counter underflow.
type LogicError struct {
	Msg string
}

func (e *LogicError) Error() string {
	return "logic error: " + e.Msg
}

// FileIOError wraps a host I/O failure with context about the operation
// that triggered it. The underlying error is preserved for errors.Is/As
// and carries a stack trace captured at the call site.
type FileIOError struct {
	Msg   string
	Cause error
}

func (e *FileIOError) Error() string {
	return fmt.Sprintf("file i/o error: %s: %v", e.Msg, e.Cause)
}

func (e *FileIOError) Unwrap() error {
	return e.Cause
}

// NewLogicError constructs a LogicError with a formatted message.
func NewLogicError(format string, args ...interface{}) error {
	return &LogicError{Msg: fmt.Sprintf(format, args...)}
}

// WrapIO wraps a host I/O failure as a FileIOError, attaching a stack
// trace via cockroachdb/errors. Returns nil if err is nil.
func WrapIO(err error, context string) error {
	if err == nil {
		return nil
	}
	return &FileIOError{
		Msg:   context,
		Cause: errors.WithStack(err),
	}
}

// IsNonExistingFiles reports whether err is (or wraps) a NonExistingFiles.
func IsNonExistingFiles(err error) bool {
	var target *NonExistingFiles
	return errors.As(err, &target)
}

// IsNonExistingNode reports whether err is (or wraps) a NonExistingNode.
func IsNonExistingNode(err error) bool {
	var target *NonExistingNode
	return errors.As(err, &target)
}
