package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	qt "github.com/frankban/quicktest"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransient(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("missing field"), want: false},
		{name: "explicit", err: NewTransientError(errors.New("overloaded"), 503), want: true},
		{name: "wrapped explicit", err: fmt.Errorf("ocr: %w", NewTransientError(errors.New("throttled"), 429)), want: true},
		{name: "connection reset", err: fmt.Errorf("write tcp: %w", syscall.ECONNRESET), want: true},
		{name: "network timeout", err: &net.DNSError{IsTimeout: true, Err: "timeout"}, want: true},
		{name: "string pattern", err: errors.New("read: connection reset by peer"), want: true},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "try later"), want: true},
		{name: "grpc invalid argument", err: status.Error(codes.InvalidArgument, "bad processor"), want: false},
		{name: "google api 503", err: &googleapi.Error{Code: 503}, want: true},
		{name: "google api 404", err: &googleapi.Error{Code: 404}, want: false},
		{name: "validation", err: fmt.Errorf("parsing key: %w", ErrValidation), want: false},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			c.Check(IsTransient(tc.err), qt.Equals, tc.want)
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	c := qt.New(t)

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		c.Check(IsTransientHTTPStatus(code), qt.IsTrue, qt.Commentf("status %d", code))
	}
	for _, code := range []int{200, 400, 401, 404, 409} {
		c.Check(IsTransientHTTPStatus(code), qt.IsFalse, qt.Commentf("status %d", code))
	}
}
