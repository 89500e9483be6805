package error

import "net/http"

// InvalidScheduleError is returned when a publish time is unusable (in the past
// beyond the grace window) or the requested targets cannot be scheduled.
type InvalidScheduleError string

func (err InvalidScheduleError) Error() string {
	return string(err)
}

func (err InvalidScheduleError) ErrCode() string {
	return "INVALID_SCHEDULE"
}

func (err InvalidScheduleError) StatusCode() int {
	return http.StatusUnprocessableEntity
}

// EmptyTargetsError is returned when scheduling is requested without targets.
type EmptyTargetsError string

func (err EmptyTargetsError) Error() string {
	return string(err)
}

func (err EmptyTargetsError) ErrCode() string {
	return "EMPTY_TARGETS"
}

func (err EmptyTargetsError) StatusCode() int {
	return http.StatusUnprocessableEntity
}

// InvalidStateError is returned when an operation is not legal for the
// current status of a post.
type InvalidStateError string

func (err InvalidStateError) Error() string {
	return string(err)
}

func (err InvalidStateError) ErrCode() string {
	return "INVALID_STATE"
}

func (err InvalidStateError) StatusCode() int {
	return http.StatusConflict
}

// WriteConflictError surfaces an optimistic concurrency failure after the
// bounded number of internal retries has been used up.
type WriteConflictError string

func (err WriteConflictError) Error() string {
	return string(err)
}

func (err WriteConflictError) ErrCode() string {
	return "WRITE_CONFLICT"
}

func (err WriteConflictError) StatusCode() int {
	return http.StatusConflict
}
