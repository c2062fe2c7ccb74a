package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtlprog/resolver/internal/metrics"
	"github.com/mtlprog/resolver/internal/wallet"
)

// StatusReader reads the resolver wallet.
type StatusReader interface {
	Status(ctx context.Context) (wallet.Status, error)
}

// AfterStatusHook is called after each successful wallet read.
type AfterStatusHook interface {
	Write(ctx context.Context, st wallet.Status) error
}

// WalletWorker periodically reads the wallet, tracks readiness and exports the report.
type WalletWorker struct {
	reader   StatusReader
	interval time.Duration
	hook     AfterStatusHook // optional
	metrics  *metrics.Metrics

	ready *bool
}

// NewWalletWorker creates a new WalletWorker with an optional post-read hook.
func NewWalletWorker(reader StatusReader, interval time.Duration, hook AfterStatusHook, m *metrics.Metrics) *WalletWorker {
	return &WalletWorker{
		reader:   reader,
		interval: interval,
		hook:     hook,
		metrics:  m,
	}
}

// Run starts the wallet worker loop. It blocks until the context is cancelled.
func (w *WalletWorker) Run(ctx context.Context) {
	slog.Info("WalletWorker: starting", "interval", w.interval)

	// Read immediately on startup
	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("WalletWorker: shutting down")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *WalletWorker) tick(ctx context.Context) {
	st, err := w.reader.Status(ctx)
	if err != nil {
		slog.Error("WalletWorker: status failed", "error", err)
		w.metrics.WalletReady(false)
		return
	}
	w.metrics.WalletReady(st.Ready)
	w.noteReadiness(st)
	w.runHook(ctx, st)
}

// noteReadiness logs readiness transitions, including the first observation.
func (w *WalletWorker) noteReadiness(st wallet.Status) {
	if w.ready != nil && *w.ready == st.Ready {
		return
	}
	ready := st.Ready
	w.ready = &ready
	if ready {
		slog.Info("WalletWorker: wallet ready", "account", st.Account)
		return
	}
	slog.Warn("WalletWorker: wallet not ready",
		"account", st.Account,
		"settlement_funds", st.HasSettlementFunds,
		"assets", st.HasAssets,
		"approved", st.AllApproved,
	)
}

// runHook calls the post-read hook if one is configured.
func (w *WalletWorker) runHook(ctx context.Context, st wallet.Status) {
	if w.hook == nil {
		return
	}
	if err := w.hook.Write(ctx, st); err != nil {
		slog.Error("WalletWorker: export hook failed", "error", err)
	} else {
		slog.Info("WalletWorker: export hook completed")
	}
}
