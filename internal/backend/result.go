// internal/backend/result.go
package backend

import (
	"errors"
	"fmt"
)

// Result is the completion code reported by every backend call.
type Result int

const (
	ResultSuccess Result = iota
	ResultInvalidParameters
	ResultInvalidUser
	ResultNotFound
	ResultTimedOut
	ResultLimitExceeded
	ResultNotOwner
	ResultAlreadyPending
	ResultSessionAlreadyExists
	ResultNoConnection
	ResultUnexpected
)

var resultNames = map[Result]string{
	ResultSuccess:              "Success",
	ResultInvalidParameters:    "InvalidParameters",
	ResultInvalidUser:          "InvalidUser",
	ResultNotFound:             "NotFound",
	ResultTimedOut:             "TimedOut",
	ResultLimitExceeded:        "LimitExceeded",
	ResultNotOwner:             "NotOwner",
	ResultAlreadyPending:       "AlreadyPending",
	ResultSessionAlreadyExists: "SessionAlreadyExists",
	ResultNoConnection:         "NoConnection",
	ResultUnexpected:           "UnexpectedError",
}

// String returns the backend's textual reason for the code.
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// OK reports whether r is ResultSuccess.
func (r Result) OK() bool { return r == ResultSuccess }

// Err converts a non-success code into an error, nil otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &ResultError{Result: r}
}

// ResultError wraps a non-success Result returned by a synchronous call.
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	return "backend: " + e.Result.String()
}

// ResultOf extracts the backend code from err, or ResultUnexpected.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	var re *ResultError
	if errors.As(err, &re) {
		return re.Result
	}
	return ResultUnexpected
}
