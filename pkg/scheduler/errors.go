package scheduler

import "errors"

var (
	ErrJobAlreadyRegistered = errors.New("job already registered")
	ErrNoJobs               = errors.New("scheduler has no registered jobs")
	ErrInvalidJob           = errors.New("job requires a name, a schedule and a function")
)
