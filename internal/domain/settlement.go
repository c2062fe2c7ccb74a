package domain

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the kind of request a resolver settles.
type Operation string

const (
	OperationBuy        Operation = "Buy"
	OperationSell       Operation = "Sell"
	OperationInitialBuy Operation = "InitialBuy"
)

// ParseOperation accepts the operation name case-insensitively.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return OperationBuy, nil
	case "sell":
		return OperationSell, nil
	case "initialbuy", "initial_buy":
		return OperationInitialBuy, nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// IsBuy reports whether the resolver delivers bundle constituents (Buy and InitialBuy).
func (o Operation) IsBuy() bool {
	return o == OperationBuy || o == OperationInitialBuy
}

// AssetAmount is an amount of one constituent in its ledger's smallest unit.
type AssetAmount struct {
	AssetID string `json:"assetId"`
	Amount  uint64 `json:"amount"`
}

// Assignment is the coordinator's binding instruction to settle one request.
// It is fetched fresh on every settlement attempt.
type Assignment struct {
	RequestID        uint64        `json:"requestId"`
	Operation        Operation     `json:"operation"`
	ResolverID       string        `json:"resolverId"`
	BundleID         uint64        `json:"bundleId"`
	AssetAmounts     []AssetAmount `json:"assetAmounts,omitempty"`
	SettlementAmount uint64        `json:"settlementAmount,omitempty"`
	Fees             uint64        `json:"fees"`
	NavTokens        uint64        `json:"navTokens"`
	ValidUntil       time.Time     `json:"validUntil"`
}

// TransactionStatus mirrors the coordinator's transaction lifecycle.
type TransactionStatus string

const (
	TxPending            TransactionStatus = "Pending"
	TxFundsLocked        TransactionStatus = "FundsLocked"
	TxWaitingForResolver TransactionStatus = "WaitingForResolver"
	TxInProgress         TransactionStatus = "InProgress"
	TxAssetsTransferred  TransactionStatus = "AssetsTransferred"
	TxCompleted          TransactionStatus = "Completed"
	TxFailed             TransactionStatus = "Failed"
	TxTimedOut           TransactionStatus = "TimedOut"
)

// IsTerminal reports whether the coordinator will accept no further confirmation.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TxCompleted, TxFailed, TxTimedOut:
		return true
	}
	return false
}

// Transaction is the coordinator's record of a user request.
type Transaction struct {
	ID               uint64            `json:"id"`
	RequestID        uint64            `json:"requestId"`
	User             string            `json:"user"`
	Resolver         string            `json:"resolver"`
	BundleID         uint64            `json:"bundleId"`
	Operation        Operation         `json:"operation"`
	Status           TransactionStatus `json:"status"`
	NavTokens        uint64            `json:"navTokens"`
	SettlementAmount uint64            `json:"settlementAmount"`
	CreatedAt        time.Time         `json:"createdAt"`
	TimeoutAt        time.Time         `json:"timeoutAt"`
}

// BundleAllocation is one allocation entry of a bundle as stored by the coordinator.
// Location is set when the coordinator records where the constituent is held.
type BundleAllocation struct {
	AssetID       string          `json:"assetId"`
	AllocationBps uint32          `json:"allocationBps"`
	Location      *LedgerLocation `json:"location,omitempty"`
}

// Bundle is a tokenized basket of constituents.
type Bundle struct {
	ID          uint64             `json:"id"`
	Name        string             `json:"name"`
	Allocations []BundleAllocation `json:"allocations"`
	IsActive    bool               `json:"isActive"`
}

// Asset is the coordinator's registry entry for a constituent asset.
type Asset struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Decimals     uint8           `json:"decimals"`
	OracleTicker string          `json:"oracleTicker,omitempty"`
	Location     *LedgerLocation `json:"location,omitempty"`
	IsActive     bool            `json:"isActive"`
}

// SettlementState is a step of the settlement state machine.
type SettlementState string

const (
	StateFetching   SettlementState = "Fetching"
	StateBuyPath    SettlementState = "BuyPath"
	StateSellPath   SettlementState = "SellPath"
	StateConfirming SettlementState = "Confirming"
	StateDone       SettlementState = "Done"
	StateFailed     SettlementState = "Failed"
)

// SettlementResult is the terminal result of one settlement attempt.
type SettlementResult string

const (
	ResultSettled        SettlementResult = "settled"
	ResultAlreadySettled SettlementResult = "already_settled"
	ResultFailed         SettlementResult = "failed"
)

// LedgerAction records a ledger-mutating step taken during settlement.
type LedgerAction struct {
	Step     string `json:"step"`
	AssetID  string `json:"assetId"`
	Location string `json:"location"`
	Amount   uint64 `json:"amount"`
	Block    uint64 `json:"block,omitempty"`
}

// SettlementOutcome summarizes one settlement attempt.
type SettlementOutcome struct {
	AttemptID  string           `json:"attemptId"`
	RequestID  uint64           `json:"requestId"`
	Operation  Operation        `json:"operation,omitempty"`
	Result     SettlementResult `json:"result"`
	FinalState SettlementState  `json:"finalState"`
	Actions    []LedgerAction   `json:"actions"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  ErrorKind        `json:"errorKind,omitempty"`
	Retryable  bool             `json:"retryable"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
}
