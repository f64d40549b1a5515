package errors_test

import (
	"context"
	"fmt"
	"io"

	"github.com/ajitpratap0/tidewater/pkg/errors"
)

// Example demonstrates basic error creation with details.
func Example() {
	err := errors.New(errors.ErrorTypeRemote, "provider returned 503").
		WithDetail("source", "toast_orders").
		WithDetail("status", 503)

	fmt.Println(err.Error())

	// Output:
	// remote: provider returned 503
}

// ExampleWrap shows how wrapping changes the classification of an error.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeConnection, "reading page body")

	fmt.Println(errors.IsRetryable(err))
	fmt.Println(errors.Is(err, io.ErrUnexpectedEOF))

	// Output:
	// true
	// true
}

// ExampleIsFatal demonstrates the fatal taxonomy used by the orchestrator.
func ExampleIsFatal() {
	auth := errors.New(errors.ErrorTypeAuthentication, "refresh token revoked")
	limited := errors.New(errors.ErrorTypeRateLimit, "429 from provider")
	cancelled := fmt.Errorf("staging: %w", context.Canceled)

	fmt.Println(errors.IsFatal(auth), errors.IsRetryable(auth))
	fmt.Println(errors.IsFatal(limited), errors.IsRetryable(limited))
	fmt.Println(errors.TypeOf(cancelled))

	// Output:
	// true false
	// false true
	// cancelled
}
