package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class labels the outcome of one attempt.
type Class int

const (
	ClassSuccess Class = iota
	// ClassTransient failures are retried and count toward breaker trips.
	ClassTransient
	// ClassPermanent failures are never retried and never count toward trips.
	ClassPermanent
	// ClassCanceled means the caller abandoned the call; it is neither a
	// health signal nor a consumed attempt.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classifier labels an operation error. A nil error is always ClassSuccess.
type Classifier func(err error) Class

// Classify is the default Classifier. It checks, in order: context errors,
// an explicit Retryable() marker, an HTTP StatusCode() and a gRPC status.
// Anything else, network errors included, is treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var marked interface{ Retryable() bool }
	if errors.As(err, &marked) {
		if marked.Retryable() {
			return ClassTransient
		}
		return ClassPermanent
	}

	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return ClassifyHTTPStatus(coded.StatusCode())
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return ClassifyGRPCCode(st.Code())
	}

	// Network errors and anything unrecognized.
	return ClassTransient
}

// ClassifyHTTPStatus maps an HTTP status code to a class: 5xx, 408, 425 and
// 429 are transient; other 4xx are permanent.
func ClassifyHTTPStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassSuccess
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// ClassifyGRPCCode maps a gRPC status code to a class.
func ClassifyGRPCCode(code codes.Code) Class {
	switch code {
	case codes.OK:
		return ClassSuccess
	case codes.Canceled:
		return ClassCanceled
	case codes.Unavailable,
		codes.ResourceExhausted,
		codes.DeadlineExceeded,
		codes.Aborted,
		codes.Unknown:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// RetryAfterOf extracts a server retry hint from err, or zero.
func RetryAfterOf(err error) time.Duration {
	if err == nil {
		return 0
	}
	var hinted interface{ RetryDelay() time.Duration }
	if errors.As(err, &hinted) {
		if d := hinted.RetryDelay(); d > 0 {
			return d
		}
	}
	st, ok := status.FromError(err)
	if !ok {
		return 0
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration()
		}
	}
	return 0
}

// MarkedError carries an explicit retryable flag for the default classifier.
type MarkedError struct {
	Err       error
	retryable bool
}

func (e *MarkedError) Error() string {
	if e.Err == nil {
		return "unspecified failure"
	}
	return e.Err.Error()
}

func (e *MarkedError) Unwrap() error { return e.Err }

// Retryable reports the explicit flag.
func (e *MarkedError) Retryable() bool { return e.retryable }

// Transient marks err as retryable.
func Transient(err error) error {
	return &MarkedError{Err: err, retryable: true}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &MarkedError{Err: err, retryable: false}
}
