package governor

import (
	"errors"
	"fmt"
	"time"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/ratelimit"
)

var (
	ErrAdmissionDenied = errors.New("rate limit exceeded")
	ErrInvalidRequest  = errors.New("invalid request")
)

// AdmissionDeniedError is the only failure surfaced to callers as a hard
// stop. RetryAfter is a hint, not a guarantee.
type AdmissionDeniedError struct {
	Mode       models.Mode
	RetryAfter time.Duration
	Remaining  ratelimit.Remaining
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("%s: %s mode, retry after %s", ErrAdmissionDenied, e.Mode, e.RetryAfter.Round(time.Second))
}

func (e *AdmissionDeniedError) Unwrap() error {
	return ErrAdmissionDenied
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
