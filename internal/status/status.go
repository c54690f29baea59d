// Package status defines the result envelope returned by every core operation.
package status

import (
	"errors"
	"fmt"

	"github.com/and161185/datawrangler/internal/model"
)

// Status is the uniform outcome of an operation. Result holds the payload on
// success (object, slice, id, count or bool) and the error on failure.
type Status struct {
	Operation model.Operation
	Result    any
	Success   bool
}

// OK builds a successful status.
func OK(op model.Operation, result any) Status {
	return Status{Operation: op, Result: result, Success: true}
}

// Fail builds a failed status carrying err.
func Fail(op model.Operation, err error) Status {
	if err == nil {
		err = errors.New("operation failed")
	}
	return Status{Operation: op, Result: err, Success: false}
}

// Err returns the fault of a failed status, or nil on success.
func (s Status) Err() error {
	if s.Success {
		return nil
	}
	if err, ok := s.Result.(error); ok {
		return err
	}
	return fmt.Errorf("%s failed: %v", s.Operation, s.Result)
}

// Value extracts a typed result. ok is false on failure or type mismatch.
func Value[T any](s Status) (v T, ok bool) {
	if !s.Success {
		return v, false
	}
	v, ok = s.Result.(T)
	return v, ok
}
