package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOutOfStock rejects an admission; nothing was reserved.
	ErrOutOfStock = errors.New("out of stock")
	// ErrPriceUnavailable means the product has no cached price.
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrNotFound         = errors.New("not found")
	// ErrTransientInfra wraps cache, store or broker failures worth retrying.
	ErrTransientInfra = errors.New("transient infrastructure failure")
	// ErrDomainFailure is a legitimate business refusal such as a declined payment.
	ErrDomainFailure     = errors.New("domain failure")
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrConflict is a lost optimistic-concurrency race.
	ErrConflict   = errors.New("version conflict")
	ErrBadRequest = errors.New("bad request")
)

// ActivityFault is returned when a remote call exhausted its retries or was rejected outright.
type ActivityFault struct {
	Activity  string
	Attempts  int
	Retryable bool
	Err       error
}

func (f *ActivityFault) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", f.Activity, f.Attempts, f.Err)
}

func (f *ActivityFault) Unwrap() error { return f.Err }

// HTTPStatus maps an error onto the status code the HTTP layer answers with.
func HTTPStatus(err error) int {
	var fault *ActivityFault
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrOutOfStock), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrDomainFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrPriceUnavailable), errors.Is(err, ErrTransientInfra):
		return http.StatusServiceUnavailable
	case errors.As(err, &fault):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
