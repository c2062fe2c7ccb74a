package settlement

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mtlprog/resolver/internal/bundle"
	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/ledger"
)

type journal struct {
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

type fakeGateway struct {
	j          *journal
	loc        domain.LedgerLocation
	fee        uint64
	balance    uint64
	mintErr    error
	approveErr error
	mints      []uint64
	approvals  []uint64
	spenders   []string
}

func (g *fakeGateway) Location() domain.LedgerLocation { return g.loc }

func (g *fakeGateway) Metadata(context.Context) (ledger.Metadata, error) {
	return ledger.Metadata{Fee: g.fee, Decimals: 8}, nil
}

func (g *fakeGateway) BalanceOf(context.Context, string) (uint64, error) {
	return g.balance, nil
}

func (g *fakeGateway) Transfer(context.Context, string, uint64, string) (uint64, error) {
	return 0, errors.New("transfer not expected")
}

func (g *fakeGateway) Approve(_ context.Context, spender string, amount uint64, _ string) (uint64, error) {
	if g.approveErr != nil {
		return 0, g.approveErr
	}
	g.j.add("approve %s %d", g.loc, amount)
	g.approvals = append(g.approvals, amount)
	g.spenders = append(g.spenders, spender)
	return uint64(len(g.approvals)), nil
}

type mintingGateway struct {
	*fakeGateway
}

func (g *mintingGateway) Mint(_ context.Context, _ string, amount uint64, _ string) (uint64, error) {
	if g.mintErr != nil {
		return 0, g.mintErr
	}
	g.j.add("mint %s %d", g.loc, amount)
	g.mints = append(g.mints, amount)
	g.balance += amount
	return uint64(len(g.mints)), nil
}

type allowanceGateway struct {
	*fakeGateway
	allowance uint64
}

func (g *allowanceGateway) Allowance(context.Context, string, string) (uint64, error) {
	return g.allowance, nil
}

type fakeLedgers struct {
	gateways map[string]ledger.Gateway
}

func (f *fakeLedgers) Gateway(loc domain.LedgerLocation) (ledger.Gateway, error) {
	g, ok := f.gateways[loc.String()]
	if !ok {
		return nil, domain.NewError(domain.KindUnsupportedLedgerLocation, "resolve_ledger", "", fmt.Errorf("unknown %s", loc))
	}
	return g, nil
}

type fakeCoordinator struct {
	j          *journal
	assignment domain.Assignment
	tx         domain.Transaction
	confirmErr error
	confirms   int
}

func (c *fakeCoordinator) GetAssignment(context.Context, uint64) (domain.Assignment, error) {
	return c.assignment, nil
}

func (c *fakeCoordinator) GetTransaction(context.Context, uint64) (domain.Transaction, error) {
	return c.tx, nil
}

func (c *fakeCoordinator) ConfirmAssetDeposit(ctx context.Context, _ uint64) error {
	return c.confirm(ctx, "deposit")
}

func (c *fakeCoordinator) ConfirmResolverPaymentAndCompleteSell(ctx context.Context, _ uint64) error {
	return c.confirm(ctx, "sell")
}

func (c *fakeCoordinator) confirm(ctx context.Context, kind string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.confirms++
	c.j.add("confirm %s", kind)
	return c.confirmErr
}

type fakeBundles struct {
	constituents []domain.BundleConstituent
	err          error
}

func (f *fakeBundles) Constituents(context.Context, uint64, bundle.Mode) ([]domain.BundleConstituent, error) {
	return f.constituents, f.err
}

type fakeRecorder struct {
	outcomes []domain.SettlementOutcome
}

func (r *fakeRecorder) Record(_ context.Context, o domain.SettlementOutcome) error {
	r.outcomes = append(r.outcomes, o)
	return nil
}

var (
	locX    = domain.MultiToken("ledger-a", []byte{1})
	locY    = domain.MultiToken("ledger-a", []byte{2})
	locUSDC = domain.SingleToken("ckusdc")
)

type fixture struct {
	j        *journal
	coord    *fakeCoordinator
	x        *mintingGateway
	y        *mintingGateway
	usdc     *allowanceGateway
	recorder *fakeRecorder
	engine   *Engine
}

func newFixture() *fixture {
	j := &journal{}
	f := &fixture{
		j:        j,
		x:        &mintingGateway{&fakeGateway{j: j, loc: locX, fee: 10000}},
		y:        &mintingGateway{&fakeGateway{j: j, loc: locY, fee: 10}},
		usdc:     &allowanceGateway{fakeGateway: &fakeGateway{j: j, loc: locUSDC, fee: 10000}},
		recorder: &fakeRecorder{},
	}
	f.coord = &fakeCoordinator{
		j:  j,
		tx: domain.Transaction{RequestID: 1, BundleID: 9, Status: domain.TxWaitingForResolver},
	}
	bundles := &fakeBundles{constituents: []domain.BundleConstituent{
		{AssetID: "X", AllocationBps: 6000, Location: &locX},
		{AssetID: "Y", AllocationBps: 4000, Location: &locY},
	}}
	ledgers := &fakeLedgers{gateways: map[string]ledger.Gateway{
		locX.String():    f.x,
		locY.String():    f.y,
		locUSDC.String(): f.usdc,
	}}
	f.engine = NewEngine(f.coord, bundles, ledgers, f.recorder, Config{
		ResolverID:       "resolver-1",
		ResolverAccount:  "resolver-account",
		Spender:          "coordinator",
		SettlementLedger: locUSDC,
		Timeout:          time.Second,
	}, nil)
	return f
}

func buyAssignment(amounts ...domain.AssetAmount) domain.Assignment {
	return domain.Assignment{RequestID: 1, Operation: domain.OperationBuy, ResolverID: "resolver-1", AssetAmounts: amounts}
}

func TestBuyMintsShortfallAndApprovesWithFee(t *testing.T) {
	f := newFixture()
	f.x.balance = 200000
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1000000})

	out, err := f.engine.Execute(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.x.mints) != 1 || f.x.mints[0] != 810000 {
		t.Errorf("mints = %v, want [810000]", f.x.mints)
	}
	if len(f.x.approvals) != 1 || f.x.approvals[0] != 1010000 {
		t.Errorf("approvals = %v, want [1010000]", f.x.approvals)
	}
	if f.x.spenders[0] != "coordinator" {
		t.Errorf("spender = %s, want coordinator", f.x.spenders[0])
	}
	if out.Result != domain.ResultSettled || out.FinalState != domain.StateDone {
		t.Errorf("outcome = %+v", out)
	}
	if len(out.Actions) != 2 || out.Actions[0].Step != "mint" || out.Actions[1].Step != "approve" {
		t.Errorf("actions = %+v", out.Actions)
	}
}

func TestBuyNoMintWhenBalanceSufficient(t *testing.T) {
	for _, balance := range []uint64{1010000, 5000000} {
		t.Run(fmt.Sprint(balance), func(t *testing.T) {
			f := newFixture()
			f.x.balance = balance
			f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1000000})

			if _, err := f.engine.Execute(context.Background(), 1); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(f.x.mints) != 0 {
				t.Errorf("mints = %v, want none", f.x.mints)
			}
			if f.x.approvals[0] != 1010000 {
				t.Errorf("approval = %d, want 1010000", f.x.approvals[0])
			}
		})
	}
}

func TestBuyOrdersMintsBeforeApprovalsBeforeConfirm(t *testing.T) {
	f := newFixture()
	f.coord.assignment = buyAssignment(
		domain.AssetAmount{AssetID: "X", Amount: 100},
		domain.AssetAmount{AssetID: "Y", Amount: 50},
	)

	if _, err := f.engine.Execute(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"mint ledger-a/01 10100",
		"mint ledger-a/02 60",
		"approve ledger-a/01 10100",
		"approve ledger-a/02 60",
		"confirm deposit",
	}
	if fmt.Sprint(f.j.events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", f.j.events, want)
	}
}

func TestBuyAllocationMissing(t *testing.T) {
	f := newFixture()
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "Z", Amount: 1})

	out, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrAllocationMissing) {
		t.Fatalf("error = %v, want ErrAllocationMissing", err)
	}
	if out.Retryable || out.ErrorKind != domain.KindAllocationMissing || out.FinalState != domain.StateFailed {
		t.Errorf("outcome = %+v", out)
	}
	if f.coord.confirms != 0 {
		t.Error("confirmation must not run after a failure")
	}
}

func TestBuyMintFailureIsFatal(t *testing.T) {
	f := newFixture()
	f.x.mintErr = domain.NewError(domain.KindLedgerOperationFailed, "mint_tokens", "", errors.New(`{"Unauthorized":null}`))
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})

	out, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrLedgerOperationFailed) {
		t.Fatalf("error = %v, want ErrLedgerOperationFailed", err)
	}
	if len(f.x.approvals) != 0 || f.coord.confirms != 0 {
		t.Error("no approval or confirmation may follow a failed mint")
	}
	if !out.Retryable {
		t.Error("ledger failures are retryable by re-invocation")
	}
}

func TestBuyWithoutMinterIsInsufficientFunds(t *testing.T) {
	f := newFixture()
	// Constituent held on the settlement-currency ledger, which cannot mint.
	f.engine.bundles = &fakeBundles{constituents: []domain.BundleConstituent{{AssetID: "USDC", AllocationBps: 10000, Location: &locUSDC}}}
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "USDC", Amount: 100})

	_, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrInsufficientResolverFunds) {
		t.Errorf("error = %v, want ErrInsufficientResolverFunds", err)
	}
}

func TestBuyUnresolvedConstituentIsFatal(t *testing.T) {
	f := newFixture()
	f.engine.bundles = &fakeBundles{err: domain.NewError(domain.KindUnsupportedLedgerLocation, "get_asset", "X", nil)}
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})

	out, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrUnsupportedLedgerLocation) {
		t.Fatalf("error = %v, want ErrUnsupportedLedgerLocation", err)
	}
	if out.Retryable {
		t.Error("unsupported locations void the assignment")
	}
}

func sellAssignment(owed uint64) domain.Assignment {
	return domain.Assignment{RequestID: 1, Operation: domain.OperationSell, ResolverID: "resolver-1", SettlementAmount: owed}
}

func TestSellInsufficientFundsBeforeApproval(t *testing.T) {
	f := newFixture()
	f.usdc.balance = 40000000000
	f.coord.assignment = sellAssignment(50000000000)

	out, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrInsufficientResolverFunds) {
		t.Fatalf("error = %v, want ErrInsufficientResolverFunds", err)
	}
	if len(f.usdc.approvals) != 0 {
		t.Errorf("approvals = %v, want none", f.usdc.approvals)
	}
	if f.coord.confirms != 0 {
		t.Error("confirmation must not run")
	}
	if !out.Retryable {
		t.Error("insufficient funds is retryable after funding")
	}
}

func TestSellApprovesOwedPlusFee(t *testing.T) {
	f := newFixture()
	f.usdc.balance = 60000000000
	f.coord.assignment = sellAssignment(50000000000)

	out, err := f.engine.Execute(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.usdc.approvals) != 1 || f.usdc.approvals[0] != 50000010000 {
		t.Errorf("approvals = %v, want [50000010000]", f.usdc.approvals)
	}
	if fmt.Sprint(f.j.events) != "[approve ckusdc 50000010000 confirm sell]" {
		t.Errorf("events = %v", f.j.events)
	}
	if out.Operation != domain.OperationSell {
		t.Errorf("operation = %s", out.Operation)
	}
}

func TestSellSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	f := newFixture()
	f.usdc.balance = 60000000000
	f.usdc.allowance = 50000010000
	f.coord.assignment = sellAssignment(50000000000)

	if _, err := f.engine.Execute(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.usdc.approvals) != 0 {
		t.Errorf("approvals = %v, want none", f.usdc.approvals)
	}
	if f.coord.confirms != 1 {
		t.Errorf("confirms = %d, want 1", f.coord.confirms)
	}
}

func TestConfirmAlreadySettled(t *testing.T) {
	for _, msg := range []string{"Transaction not found", "Transaction already completed"} {
		t.Run(msg, func(t *testing.T) {
			f := newFixture()
			f.x.balance = 1 << 40
			f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})
			f.coord.confirmErr = domain.NewError(domain.KindCoordinatorRejected, "confirm_asset_deposit", "", errors.New(msg))

			out, err := f.engine.Execute(context.Background(), 1)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Result != domain.ResultAlreadySettled {
				t.Errorf("result = %s, want already_settled", out.Result)
			}
		})
	}
}

func TestConfirmRejected(t *testing.T) {
	f := newFixture()
	f.x.balance = 1 << 40
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})
	f.coord.confirmErr = domain.NewError(domain.KindCoordinatorRejected, "confirm_asset_deposit", "", errors.New("Assignment expired"))

	out, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrCoordinatorRejected) {
		t.Fatalf("error = %v, want ErrCoordinatorRejected", err)
	}
	if out.Retryable {
		t.Error("coordinator rejection voids the assignment")
	}
}

func TestCompletedTransactionShortCircuits(t *testing.T) {
	f := newFixture()
	f.coord.tx.Status = domain.TxCompleted
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})

	out, err := f.engine.Execute(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result != domain.ResultAlreadySettled || len(f.j.events) != 0 {
		t.Errorf("outcome = %+v events = %v", out, f.j.events)
	}
}

func TestAssignmentForOtherResolver(t *testing.T) {
	f := newFixture()
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})
	f.coord.assignment.ResolverID = "someone-else"

	if _, err := f.engine.Execute(context.Background(), 1); !errors.Is(err, domain.ErrCoordinatorRejected) {
		t.Errorf("error = %v, want ErrCoordinatorRejected", err)
	}
}

func TestCallerCancellationDoesNotAbortAttempt(t *testing.T) {
	f := newFixture()
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.engine.Execute(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Result != domain.ResultSettled || f.coord.confirms != 1 {
		t.Errorf("outcome = %+v confirms = %d", out, f.coord.confirms)
	}
}

func TestRetryAfterPartialFailureConverges(t *testing.T) {
	f := newFixture()
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1000000})
	f.x.approveErr = errors.New("ledger timeout")

	if _, err := f.engine.Execute(context.Background(), 1); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	if len(f.x.mints) != 1 || f.x.mints[0] != 1010000 {
		t.Fatalf("mints = %v", f.x.mints)
	}

	f.x.approveErr = nil
	if _, err := f.engine.Execute(context.Background(), 1); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(f.x.mints) != 1 {
		t.Errorf("retry minted again: %v", f.x.mints)
	}
	if len(f.recorder.outcomes) != 2 || f.recorder.outcomes[0].Result != domain.ResultFailed || f.recorder.outcomes[1].Result != domain.ResultSettled {
		t.Errorf("recorded outcomes = %+v", f.recorder.outcomes)
	}
	if f.recorder.outcomes[0].AttemptID == f.recorder.outcomes[1].AttemptID {
		t.Error("attempt ids must be unique")
	}
}

func TestWithFeeOverflow(t *testing.T) {
	if _, err := withFee(^uint64(0), 1); err == nil {
		t.Error("expected overflow error")
	}
	if got, _ := withFee(1000000, 10000); got != 1010000 {
		t.Errorf("withFee = %d", got)
	}
}

func TestOperationAndBundleFromTransaction(t *testing.T) {
	tests := []struct {
		name    string
		op      domain.Operation
		prepare func(f *fixture)
		events  string
	}{
		{
			name: "sell",
			op:   domain.OperationSell,
			prepare: func(f *fixture) {
				f.usdc.balance = 60000000000
				f.coord.assignment = domain.Assignment{RequestID: 42, ResolverID: "resolver-1", SettlementAmount: 50000000000}
			},
			events: "[approve ckusdc 50000010000 confirm sell]",
		},
		{
			name: "buy",
			op:   domain.OperationBuy,
			prepare: func(f *fixture) {
				f.x.balance = 1 << 40
				f.coord.assignment = domain.Assignment{
					RequestID:    42,
					ResolverID:   "resolver-1",
					AssetAmounts: []domain.AssetAmount{{AssetID: "X", Amount: 1000000}},
				}
			},
			events: "[approve ledger-a/01 1010000 confirm deposit]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.prepare(f)
			f.coord.tx = domain.Transaction{RequestID: 42, BundleID: 9, Operation: tt.op, Status: domain.TxInProgress}

			out, err := f.engine.Execute(context.Background(), 42)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Operation != tt.op || out.Result != domain.ResultSettled {
				t.Errorf("outcome = %+v", out)
			}
			if fmt.Sprint(f.j.events) != tt.events {
				t.Errorf("events = %v, want %s", f.j.events, tt.events)
			}
		})
	}
}

func TestMissingOperationIsRejected(t *testing.T) {
	f := newFixture()
	f.coord.assignment = domain.Assignment{RequestID: 1, ResolverID: "resolver-1"}

	out, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrCoordinatorRejected) {
		t.Fatalf("error = %v, want ErrCoordinatorRejected", err)
	}
	if out.Retryable {
		t.Error("a request without an operation can never settle")
	}
	if len(f.j.events) != 0 {
		t.Errorf("events = %v, want none", f.j.events)
	}
}

func TestVoidTransactionIsRejected(t *testing.T) {
	for _, status := range []domain.TransactionStatus{domain.TxFailed, domain.TxTimedOut} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			f.coord.tx.Status = status
			f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1000000})

			out, err := f.engine.Execute(context.Background(), 1)
			if !errors.Is(err, domain.ErrCoordinatorRejected) {
				t.Fatalf("error = %v, want ErrCoordinatorRejected", err)
			}
			if out.Retryable {
				t.Error("a void transaction must be re-quoted, not retried")
			}
			if len(f.x.mints) != 0 || len(f.x.approvals) != 0 || f.coord.confirms != 0 {
				t.Errorf("mints = %v approvals = %v confirms = %d", f.x.mints, f.x.approvals, f.coord.confirms)
			}
		})
	}
}

func TestConfirmUnrelatedRejectionIsNotSettled(t *testing.T) {
	f := newFixture()
	f.x.balance = 1 << 40
	f.coord.assignment = buyAssignment(domain.AssetAmount{AssetID: "X", Amount: 1})
	f.coord.confirmErr = domain.NewError(domain.KindCoordinatorRejected, "confirm_asset_deposit", "",
		errors.New("Resolver already assigned to another request"))

	out, err := f.engine.Execute(context.Background(), 1)
	if !errors.Is(err, domain.ErrCoordinatorRejected) {
		t.Fatalf("error = %v, want ErrCoordinatorRejected", err)
	}
	if out.Result != domain.ResultFailed {
		t.Errorf("result = %s, want failed", out.Result)
	}
}

func TestLedgerFailureKeepsCauseIntact(t *testing.T) {
	cause := domain.NewError(domain.KindLedgerOperationFailed, "icrc2_approve", "", errors.New("rejected"))

	err := ledgerFailure("approve", "X", cause)

	var de *domain.Error
	if !errors.As(err, &de) || de.AssetID != "X" {
		t.Fatalf("error = %#v, want asset X", err)
	}
	if cause.AssetID != "" {
		t.Errorf("cause mutated: AssetID = %q", cause.AssetID)
	}
	if !errors.Is(err, domain.ErrLedgerOperationFailed) {
		t.Errorf("error = %v, want ErrLedgerOperationFailed", err)
	}
}
