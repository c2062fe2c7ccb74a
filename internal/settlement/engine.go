package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtlprog/resolver/internal/bundle"
	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/ledger"
	"github.com/mtlprog/resolver/internal/metrics"
)

// Coordinator provides assignment data and the confirmation entry points.
type Coordinator interface {
	GetAssignment(ctx context.Context, requestID uint64) (domain.Assignment, error)
	GetTransaction(ctx context.Context, requestID uint64) (domain.Transaction, error)
	ConfirmAssetDeposit(ctx context.Context, requestID uint64) error
	ConfirmResolverPaymentAndCompleteSell(ctx context.Context, requestID uint64) error
}

// BundleInfo resolves bundle constituents.
type BundleInfo interface {
	Constituents(ctx context.Context, bundleID uint64, mode bundle.Mode) ([]domain.BundleConstituent, error)
}

// Ledgers resolves a ledger location to a gateway.
type Ledgers interface {
	Gateway(loc domain.LedgerLocation) (ledger.Gateway, error)
}

// Recorder persists finished attempts for audit. It is never read for decisions.
type Recorder interface {
	Record(ctx context.Context, outcome domain.SettlementOutcome) error
}

// Config identifies the resolver and the settlement currency.
type Config struct {
	ResolverID       string
	ResolverAccount  string
	Spender          string
	SettlementLedger domain.LedgerLocation
	Timeout          time.Duration
}

// Engine executes settlement attempts. It holds no state between attempts: every attempt
// re-reads the assignment, transaction, bundle and live ledger state.
type Engine struct {
	coord    Coordinator
	bundles  BundleInfo
	ledgers  Ledgers
	recorder Recorder
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewEngine creates a settlement engine. recorder and m may be nil.
func NewEngine(coord Coordinator, bundles BundleInfo, ledgers Ledgers, recorder Recorder, cfg Config, m *metrics.Metrics) *Engine {
	return &Engine{
		coord:    coord,
		bundles:  bundles,
		ledgers:  ledgers,
		recorder: recorder,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
	}
}

// attempt carries one execution through the state machine.
type attempt struct {
	e       *Engine
	outcome domain.SettlementOutcome
	state   domain.SettlementState
	log     *slog.Logger
}

func (a *attempt) transition(to domain.SettlementState) {
	a.log.Info("settlement: state", "from", a.state, "to", to)
	a.state = to
}

// Execute runs one settlement attempt for a request. The attempt is detached from the caller's
// cancellation and bounded by the configured timeout, so partial mints and approvals reach confirmation.
// "not found" and "already completed" confirmations end in AlreadySettled without an error.
func (e *Engine) Execute(ctx context.Context, requestID uint64) (domain.SettlementOutcome, error) {
	ctx = context.WithoutCancel(ctx)
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	outcome := domain.SettlementOutcome{
		AttemptID: uuid.NewString(),
		RequestID: requestID,
		StartedAt: e.now().UTC(),
		Actions:   []domain.LedgerAction{},
	}
	a := &attempt{e: e, outcome: outcome, state: domain.StateFetching}
	a.log = slog.With("request_id", requestID, "attempt_id", a.outcome.AttemptID)
	a.log.Info("settlement: attempt started")

	result, err := a.run(ctx)
	a.finish(result, err)

	if e.recorder != nil {
		if rerr := e.recorder.Record(ctx, a.outcome); rerr != nil {
			a.log.Error("settlement: recording attempt failed", "error", rerr)
		}
	}
	e.metrics.ObserveSettlement(string(a.outcome.Operation), string(a.outcome.Result), string(a.outcome.ErrorKind))

	if err != nil {
		return a.outcome, fmt.Errorf("settling request %d: %w", requestID, err)
	}
	return a.outcome, nil
}

func (a *attempt) finish(result domain.SettlementResult, err error) {
	a.outcome.FinishedAt = a.e.now().UTC()
	if err != nil {
		a.transition(domain.StateFailed)
		a.outcome.Result = domain.ResultFailed
		a.outcome.Error = err.Error()
		a.outcome.ErrorKind = domain.KindOf(err)
		a.outcome.Retryable = domain.Retryable(err)
		a.outcome.FinalState = a.state
		a.log.Error("settlement: attempt failed", "error", err, "kind", a.outcome.ErrorKind, "retryable", a.outcome.Retryable)
		return
	}
	a.transition(domain.StateDone)
	a.outcome.Result = result
	a.outcome.FinalState = a.state
	a.log.Info("settlement: attempt finished", "result", result, "actions", len(a.outcome.Actions))
}

func (a *attempt) run(ctx context.Context) (domain.SettlementResult, error) {
	e := a.e
	id := a.outcome.RequestID

	assignment, err := e.coord.GetAssignment(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fetching assignment: %w", err)
	}
	tx, err := e.coord.GetTransaction(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fetching transaction: %w", err)
	}

	if assignment.Operation == "" {
		assignment.Operation = tx.Operation
	}
	if assignment.BundleID == 0 {
		assignment.BundleID = tx.BundleID
	}
	a.outcome.Operation = assignment.Operation

	if e.cfg.ResolverID != "" && assignment.ResolverID != "" && assignment.ResolverID != e.cfg.ResolverID {
		return "", domain.NewError(domain.KindCoordinatorRejected, "get_assignment", "",
			fmt.Errorf("request assigned to resolver %s", assignment.ResolverID))
	}
	switch {
	case tx.Status == domain.TxCompleted:
		a.log.Info("settlement: transaction already completed")
		return domain.ResultAlreadySettled, nil
	case tx.Status.IsTerminal():
		return "", domain.NewError(domain.KindCoordinatorRejected, "get_transaction", "",
			fmt.Errorf("transaction is %s, assignment void, re-quote", tx.Status))
	}
	if assignment.Operation == "" {
		return "", domain.NewError(domain.KindCoordinatorRejected, "get_assignment", "",
			errors.New("neither assignment nor transaction names the operation"))
	}

	if assignment.Operation.IsBuy() {
		a.transition(domain.StateBuyPath)
		err = a.buy(ctx, assignment)
	} else {
		a.transition(domain.StateSellPath)
		err = a.sell(ctx, assignment)
	}
	if err != nil {
		return "", err
	}

	a.transition(domain.StateConfirming)
	return a.confirm(ctx, assignment)
}

// buyLeg is one assigned asset resolved to its ledger.
type buyLeg struct {
	asset   domain.AssetAmount
	gateway ledger.Gateway
}

func (a *attempt) buy(ctx context.Context, assignment domain.Assignment) error {
	e := a.e
	constituents, err := e.bundles.Constituents(ctx, assignment.BundleID, bundle.ModeSettlement)
	if err != nil {
		return fmt.Errorf("resolving bundle %d: %w", assignment.BundleID, err)
	}
	byAsset := make(map[string]domain.BundleConstituent, len(constituents))
	for _, c := range constituents {
		byAsset[c.AssetID] = c
	}

	legs := make([]buyLeg, 0, len(assignment.AssetAmounts))
	for _, aa := range assignment.AssetAmounts {
		c, ok := byAsset[aa.AssetID]
		if !ok {
			return domain.NewError(domain.KindAllocationMissing, "resolve_allocation", aa.AssetID,
				fmt.Errorf("asset not in bundle %d", assignment.BundleID))
		}
		if c.Location == nil {
			return domain.NewError(domain.KindUnsupportedLedgerLocation, "resolve_allocation", aa.AssetID, errors.New("no ledger location"))
		}
		gw, err := e.ledgers.Gateway(*c.Location)
		if err != nil {
			return err
		}
		if err := a.ensureInventory(ctx, aa, gw); err != nil {
			return err
		}
		legs = append(legs, buyLeg{asset: aa, gateway: gw})
	}

	for _, leg := range legs {
		if err := a.approveLeg(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

// ensureInventory mints exactly the shortfall between balance and amount + fee.
func (a *attempt) ensureInventory(ctx context.Context, aa domain.AssetAmount, gw ledger.Gateway) error {
	e := a.e
	md, err := timed(e, "metadata", func() (ledger.Metadata, error) { return gw.Metadata(ctx) })
	if err != nil {
		return fmt.Errorf("metadata of %s: %w", aa.AssetID, err)
	}
	required, err := withFee(aa.Amount, md.Fee)
	if err != nil {
		return domain.NewError(domain.KindCoordinatorRejected, "required_amount", aa.AssetID, err)
	}
	balance, err := timed(e, "balance", func() (uint64, error) { return gw.BalanceOf(ctx, e.cfg.ResolverAccount) })
	if err != nil {
		return fmt.Errorf("balance of %s: %w", aa.AssetID, err)
	}

	if balance >= required {
		a.log.Info("settlement: inventory sufficient", "asset_id", aa.AssetID, "balance", balance, "required", required)
		return nil
	}

	shortfall := required - balance
	minter, ok := gw.(ledger.Minter)
	if !ok {
		return domain.NewError(domain.KindInsufficientResolverFunds, "mint", aa.AssetID,
			fmt.Errorf("balance %d below required %d and %s does not support minting", balance, required, gw.Location()))
	}

	a.log.Info("settlement: minting shortfall", "asset_id", aa.AssetID, "balance", balance, "required", required, "mint", shortfall)
	block, err := timed(e, "mint", func() (uint64, error) {
		return minter.Mint(ctx, e.cfg.ResolverAccount, shortfall, fmt.Sprintf("Mint for request %d", a.outcome.RequestID))
	})
	e.metrics.LedgerAction("mint", err)
	if err != nil {
		return ledgerFailure("mint", aa.AssetID, err)
	}
	a.record("mint", aa.AssetID, gw.Location(), shortfall, block)
	return nil
}

// approveLeg re-reads the fee and approves the coordinator for amount + fee.
func (a *attempt) approveLeg(ctx context.Context, leg buyLeg) error {
	e := a.e
	md, err := timed(e, "metadata", func() (ledger.Metadata, error) { return leg.gateway.Metadata(ctx) })
	if err != nil {
		return fmt.Errorf("metadata of %s: %w", leg.asset.AssetID, err)
	}
	total, err := withFee(leg.asset.Amount, md.Fee)
	if err != nil {
		return domain.NewError(domain.KindCoordinatorRejected, "approval_amount", leg.asset.AssetID, err)
	}

	block, err := timed(e, "approve", func() (uint64, error) {
		return leg.gateway.Approve(ctx, e.cfg.Spender, total, fmt.Sprintf("Approval for request %d", a.outcome.RequestID))
	})
	e.metrics.LedgerAction("approve", err)
	if err != nil {
		return ledgerFailure("approve", leg.asset.AssetID, err)
	}
	a.record("approve", leg.asset.AssetID, leg.gateway.Location(), total, block)
	return nil
}

func (a *attempt) sell(ctx context.Context, assignment domain.Assignment) error {
	e := a.e
	gw, err := e.ledgers.Gateway(e.cfg.SettlementLedger)
	if err != nil {
		return err
	}
	asset := gw.Location().String()

	md, err := gw.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("settlement currency metadata: %w", err)
	}
	total, err := withFee(assignment.SettlementAmount, md.Fee)
	if err != nil {
		return domain.NewError(domain.KindCoordinatorRejected, "approval_amount", asset, err)
	}

	balance, err := timed(e, "balance", func() (uint64, error) { return gw.BalanceOf(ctx, e.cfg.ResolverAccount) })
	if err != nil {
		return fmt.Errorf("settlement currency balance: %w", err)
	}
	if balance < total {
		return domain.NewError(domain.KindInsufficientResolverFunds, "balance_check", asset,
			fmt.Errorf("balance %d below required %d (%d owed + %d fee)", balance, total, assignment.SettlementAmount, md.Fee))
	}

	if reader, ok := gw.(ledger.AllowanceReader); ok {
		allowance, err := reader.Allowance(ctx, e.cfg.ResolverAccount, e.cfg.Spender)
		switch {
		case err != nil:
			a.log.Warn("settlement: allowance check failed, approving", "error", err)
		case allowance >= total:
			a.log.Info("settlement: existing allowance covers payment", "allowance", allowance, "required", total)
			return nil
		}
	}

	block, err := timed(e, "approve", func() (uint64, error) {
		return gw.Approve(ctx, e.cfg.Spender, total, fmt.Sprintf("Payment approval for request %d", a.outcome.RequestID))
	})
	e.metrics.LedgerAction("approve", err)
	if err != nil {
		return ledgerFailure("approve", asset, err)
	}
	a.record("approve", asset, gw.Location(), total, block)
	return nil
}

func (a *attempt) confirm(ctx context.Context, assignment domain.Assignment) (domain.SettlementResult, error) {
	e := a.e
	id := a.outcome.RequestID

	_, err := timed(e, "confirm", func() (struct{}, error) {
		if assignment.Operation.IsBuy() {
			return struct{}{}, e.coord.ConfirmAssetDeposit(ctx, id)
		}
		return struct{}{}, e.coord.ConfirmResolverPaymentAndCompleteSell(ctx, id)
	})
	if err == nil {
		return domain.ResultSettled, nil
	}
	if alreadySettled(err) {
		a.log.Info("settlement: coordinator reports request already settled", "reply", err.Error())
		return domain.ResultAlreadySettled, nil
	}
	if domain.KindOf(err) == "" {
		return "", fmt.Errorf("confirming: %w", err)
	}
	return "", err
}

func (a *attempt) record(step, assetID string, loc domain.LedgerLocation, amount, block uint64) {
	a.outcome.Actions = append(a.outcome.Actions, domain.LedgerAction{
		Step:     step,
		AssetID:  assetID,
		Location: loc.String(),
		Amount:   amount,
		Block:    block,
	})
}

// settledReplies are the coordinator rejections that mean the request needs no further work.
var settledReplies = []string{
	"transaction not found",
	"assignment not found",
	"already completed",
	"already settled",
}

// alreadySettled recognizes the coordinator's "not found" and "already completed" rejections.
func alreadySettled(err error) bool {
	if !errors.Is(err, domain.ErrCoordinatorRejected) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, reply := range settledReplies {
		if strings.Contains(msg, reply) {
			return true
		}
	}
	return false
}

// ledgerFailure classifies a mint or approve failure, keeping an existing classification.
func ledgerFailure(op, assetID string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		if de.AssetID != "" {
			return de
		}
		withAsset := *de
		withAsset.AssetID = assetID
		return &withAsset
	}
	return domain.NewError(domain.KindLedgerOperationFailed, op, assetID, err)
}

func withFee(amount, fee uint64) (uint64, error) {
	total, carry := bits.Add64(amount, fee, 0)
	if carry != 0 {
		return 0, fmt.Errorf("amount %d plus fee %d overflows", amount, fee)
	}
	return total, nil
}

func timed[T any](e *Engine, step string, fn func() (T, error)) (T, error) {
	start := e.now()
	v, err := fn()
	e.metrics.ObserveStep(step, e.now().Sub(start))
	return v, err
}
