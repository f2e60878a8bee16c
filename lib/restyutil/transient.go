package restyutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-resty/resty/v2"
)

// ErrTransient marks failures worth retrying: server errors and network
// timeouts.
var ErrTransient = errors.New("transient http failure")

type StatusError struct {
	Status int
	URL    string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.Status)
}

// CheckStatus turns a 5xx response into an error wrapping ErrTransient.
// Other statuses are left to the caller.
func CheckStatus(res *resty.Response) error {
	if res.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", ErrTransient, StatusError{Status: res.StatusCode(), URL: res.Request.URL})
	}
	return nil
}

// WrapRequestError marks network timeouts as transient. Cancellation of the
// caller's context is never transient.
func WrapRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsUnsent reports a transient failure that happened before the request
// reached the server: dns lookups and refused connections.
func IsUnsent(err error) bool {
	if !IsTransient(err) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
