package pipeline

// Status is the three-way result of a handler.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFallback Status = "fallback"
	StatusFailure  Status = "failure"
)

// Outcome is what a handler returns. A fallback carries both a usable value
// and the error that caused it.
type Outcome struct {
	Status Status
	Value  any
	Err    error
}

// Success wraps a normal result.
func Success(v any) Outcome {
	return Outcome{Status: StatusSuccess, Value: v}
}

// Fallback wraps a degraded but usable result and its cause.
func Fallback(v any, cause error) Outcome {
	return Outcome{Status: StatusFallback, Value: v, Err: cause}
}

// Failure wraps an error.
func Failure(err error) Outcome {
	return Outcome{Status: StatusFailure, Err: err}
}

// Replier is implemented by handler results that carry prose for the user.
type Replier interface {
	Reply() string
}
