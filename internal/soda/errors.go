package soda

import "fmt"

// FetchError is the typed error surfaced when an endpoint fetch fails
// for good: either retries were exhausted on a transient failure, or the
// portal rejected the request outright (4xx other than 429).
type FetchError struct {
	Endpoint   string
	StatusCode int // last HTTP status observed; 0 for pure network failures
	Attempts   int // total attempts made, including the first
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: status=%d attempts=%d: %v",
			e.Endpoint, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: status=%d attempts=%d",
		e.Endpoint, e.StatusCode, e.Attempts)
}

func (e *FetchError) Unwrap() error { return e.Err }
