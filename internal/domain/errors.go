package domain

import (
	"errors"
	"strings"
)

// ErrorKind classifies failures surfaced by pricing and settlement.
type ErrorKind string

const (
	KindPriceUnavailable          ErrorKind = "PriceUnavailable"
	KindAllocationMissing         ErrorKind = "AllocationMissing"
	KindUnsupportedLedgerLocation ErrorKind = "UnsupportedLedgerLocation"
	KindInsufficientResolverFunds ErrorKind = "InsufficientResolverFunds"
	KindLedgerOperationFailed     ErrorKind = "LedgerOperationFailed"
	KindCoordinatorRejected       ErrorKind = "CoordinatorRejected"
)

// Sentinels for errors.Is matching against a kind.
var (
	ErrPriceUnavailable          = errors.New("price unavailable")
	ErrAllocationMissing         = errors.New("allocation missing")
	ErrUnsupportedLedgerLocation = errors.New("unsupported ledger location")
	ErrInsufficientResolverFunds = errors.New("insufficient resolver funds")
	ErrLedgerOperationFailed     = errors.New("ledger operation failed")
	ErrCoordinatorRejected       = errors.New("coordinator rejected")
)

var kindSentinels = map[ErrorKind]error{
	KindPriceUnavailable:          ErrPriceUnavailable,
	KindAllocationMissing:         ErrAllocationMissing,
	KindUnsupportedLedgerLocation: ErrUnsupportedLedgerLocation,
	KindInsufficientResolverFunds: ErrInsufficientResolverFunds,
	KindLedgerOperationFailed:     ErrLedgerOperationFailed,
	KindCoordinatorRejected:       ErrCoordinatorRejected,
}

// Error is a classified failure. Op names the step ("mint", "approve", "confirm_asset_deposit"),
// AssetID is set when the failure concerns a single asset.
type Error struct {
	Kind    ErrorKind
	Op      string
	AssetID string
	Err     error
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op, assetID string, err error) *Error {
	return &Error{Kind: kind, Op: op, AssetID: assetID, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" [")
		b.WriteString(e.Op)
		if e.AssetID != "" {
			b.WriteString(" ")
			b.WriteString(e.AssetID)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinel so callers can write errors.Is(err, domain.ErrInsufficientResolverFunds).
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// IsRetriable reports whether re-invoking the same request is meaningful once the root cause is fixed.
// The alternative is that the assignment is void and a new quote is required.
func (e *Error) IsRetriable() bool {
	switch e.Kind {
	case KindPriceUnavailable, KindInsufficientResolverFunds, KindLedgerOperationFailed:
		return true
	default:
		return false
	}
}

// RetriableError is implemented by errors that know whether a retry can succeed.
type RetriableError interface {
	error
	IsRetriable() bool
}

// Retryable reports whether re-invoking a failed request can succeed once the cause is remedied.
// Unclassified errors such as transport failures count as retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return true
}

// KindOf returns the kind of a classified error, or "" for unclassified ones.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
