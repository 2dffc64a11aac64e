package core

import (
	"errors"
	"fmt"

	prov "github.com/3cpo-dev/foresight/internal/providers"
)

var (
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrTimeout             = errors.New("prediction timed out")
	ErrInvalidRegion       = errors.New("invalid region")
)

// UpstreamError reports that the last provider tried failed the call.
// Exhausted is set when the failure also left no provider to fail over to.
type UpstreamError struct {
	Provider  string
	Class     prov.Class
	Exhausted bool
	Err       error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s failed (%s): %v", e.Provider, e.Class, e.Err)
	if e.Exhausted {
		msg += "; no provider left"
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is lets callers treat an exhausting failure as ErrNoProviderAvailable.
func (e *UpstreamError) Is(target error) bool {
	return e.Exhausted && target == ErrNoProviderAvailable
}
