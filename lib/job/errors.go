package job

import "errors"

// ErrJobNotFound is returned when an operation names a job.ID the
// Coordinator has never seen.
var ErrJobNotFound = errors.New("job: not found")

// ErrAlreadyStopped is returned by StopJob when the job's terminal
// transition has already begun or completed, or a prior Stop has already
// been honored. This is the steady-state answer, not an error condition
// the caller needs to recover from.
var ErrAlreadyStopped = errors.New("job: already stopped")
