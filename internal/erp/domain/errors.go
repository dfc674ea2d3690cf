package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies ERP failures. The values are API-visible: terminal
// workflow errors expose them verbatim as error.kind.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindTransient  Kind = "ERPTransient"
	KindPermanent  Kind = "ERPPermanent"
	KindDuplicate  Kind = "DuplicatePayment"
	KindConflict   Kind = "ConcurrencyConflict"
)

// Error is a classified ERP failure.
type Error struct {
	Kind       Kind
	System     string
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.System, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind Kind, system, op string, err error) *Error {
	return &Error{Kind: kind, System: system, Op: op, Err: err}
}

// ClassifyStatus maps an upstream HTTP status onto the taxonomy:
// 409 is a concurrency conflict, every other 4xx is permanent, 5xx and
// anything unexpected is transient.
func ClassifyStatus(system, op string, status int, err error) *Error {
	kind := KindTransient
	switch {
	case status == http.StatusConflict:
		kind = KindConflict
	case status >= 400 && status < 500:
		kind = KindPermanent
	}
	return &Error{Kind: kind, System: system, Op: op, StatusCode: status, Err: err}
}

// KindOf extracts the taxonomy kind. Raw network and deadline errors
// count as transient; everything unclassified is permanent.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindPermanent
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}
