// Package apperr holds the error types shared by money, inventory, orders and invoicing.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrStaleWrite = errors.New("stale write: record changed concurrently")
	ErrBusy       = errors.New("resource is locked by another worker")
)

// InvalidOperationError: input salah atau operasi tidak valid di state sekarang.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation %s: %s", e.Op, e.Reason)
}

func Invalid(op, format string, args ...any) error {
	return &InvalidOperationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

type ProductNotFoundError struct {
	Ref string // variant id atau slug
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product not found: %s", e.Ref)
}

func (e *ProductNotFoundError) Is(target error) bool { return target == ErrNotFound }

// StockInsufficientError carries enough detail to render "only N left".
type StockInsufficientError struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *StockInsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for sku=%s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

// GatewayError wraps a failed sign/send/check call against the billing gateway.
type GatewayError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed (retryable=%t): %v", e.Op, e.Retryable, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

type SequenceConflictError struct {
	Series      string
	Correlative int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("correlative collision on series %s: %d", e.Series, e.Correlative)
}

func (e *SequenceConflictError) Is(target error) bool { return target == ErrConflict }

func IsRetryable(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return errors.Is(err, ErrStaleWrite)
}
