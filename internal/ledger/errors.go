package ledger

import (
	"errors"
	"fmt"

	"tapcoin-ledger/internal/storage"
)

// Kind is the machine-readable failure category reported to callers.
type Kind string

const (
	KindInvalidAmount     Kind = "invalid_amount"
	KindInvalidRequest    Kind = "invalid_request"
	KindAccountNotFound   Kind = "account_not_found"
	KindAccountExists     Kind = "account_exists"
	KindAccountBlocked    Kind = "account_blocked"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindSelfTransfer      Kind = "self_transfer"
	KindNotMerchant       Kind = "not_merchant"
	KindRateUnavailable   Kind = "rate_unavailable"
	KindExchangeCooldown  Kind = "exchange_cooldown"
	KindDuplicateAccrual  Kind = "duplicate_accrual"
	KindDuplicatePayment  Kind = "duplicate_payment"
	KindStorageFault      Kind = "storage_fault"
)

// Error is returned by every ledger operation that fails.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindStorageFault {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind. Errors that did not originate in the ledger
// are reported as storage faults; nil yields "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return KindStorageFault
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// translate maps storage sentinels onto ledger kinds; anything unknown is a storage fault.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var lerr *Error
	switch {
	case errors.As(err, &lerr):
		return lerr
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindAccountNotFound, Message: "account not found", Err: err}
	case errors.Is(err, storage.ErrAlreadyExists):
		return &Error{Kind: KindAccountExists, Message: "account already exists", Err: err}
	case errors.Is(err, storage.ErrBlocked):
		return &Error{Kind: KindAccountBlocked, Message: "account is blocked", Err: err}
	case errors.Is(err, storage.ErrInsufficientFunds):
		return &Error{Kind: KindInsufficientFunds, Message: "insufficient funds", Err: err}
	case errors.Is(err, storage.ErrDuplicatePaymentRef):
		return &Error{Kind: KindDuplicatePayment, Message: "payment reference already used", Err: err}
	default:
		return &Error{Kind: KindStorageFault, Message: "storage failure", Err: err}
	}
}
