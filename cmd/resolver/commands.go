package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mtlprog/resolver/internal/api"
	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/export"
	"github.com/mtlprog/resolver/internal/worker"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP API, the price refresh and the wallet export worker",
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildServices(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.attempts == nil {
		slog.Warn("DATABASE_URL not set, settlement attempts are not journaled")
	}

	s.prices.Start(ctx)

	var hook worker.AfterStatusHook
	if s.cfg.SheetsSpreadsheetID != "" && s.cfg.GoogleCredentialsJSON != "" {
		sheets, err := export.NewSheetsWriter(ctx, s.cfg.SheetsSpreadsheetID, s.cfg.GoogleCredentialsJSON)
		if err != nil {
			return fmt.Errorf("creating sheets writer: %w", err)
		}
		hook = export.Fanout{sheets}
	} else {
		slog.Info("Google Sheets export disabled")
	}
	walletWorker := worker.NewWalletWorker(s.wallet, s.cfg.WalletExportInterval, hook, s.metrics)
	go walletWorker.Run(ctx)

	deps := api.Deps{
		Bids:        s.bids,
		Settlements: s.settler,
		Prices:      s.prices,
		Wallet:      s.wallet,
		Metrics:     s.metrics,
		ResolverID:  s.cfg.ResolverID,
		Network:     s.cfg.Network,
		APISecret:   s.cfg.APISecret,
	}
	if s.attempts != nil {
		deps.Attempts = s.attempts
	}
	srv := api.NewServer(s.cfg.HTTPPort, deps)

	go func() {
		log.Printf("HTTP server listening on :%s", s.cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

func bidCommand() *cli.Command {
	return &cli.Command{
		Name:  "bid",
		Usage: "compute a bid for a bundle order",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "bundle", Usage: "bundle id", Required: true},
			&cli.StringFlag{Name: "operation", Usage: "Buy, Sell or InitialBuy", Value: "Buy"},
			&cli.Uint64Flag{Name: "amount", Usage: "bundle tokens in 8-decimal units", Required: true},
			&cli.StringFlag{Name: "requester", Usage: "requesting principal"},
		},
		Action: func(c *cli.Context) error {
			op, err := domain.ParseOperation(c.String("operation"))
			if err != nil {
				return err
			}

			s, err := buildServices(c.Context, false)
			if err != nil {
				return err
			}
			defer s.Close()

			b, err := s.bids.Compute(c.Context, domain.BidRequest{
				BundleID:  c.Uint64("bundle"),
				Operation: op,
				Amount:    c.Uint64("amount"),
				Requester: c.String("requester"),
			})
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, b)
		},
	}
}

func settleCommand() *cli.Command {
	return &cli.Command{
		Name:      "settle",
		Usage:     "run one settlement attempt for a request",
		ArgsUsage: "<request-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("settle expects exactly one request id")
			}
			requestID, err := strconv.ParseUint(c.Args().First(), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", c.Args().First(), err)
			}

			s, err := buildServices(c.Context, true)
			if err != nil {
				return err
			}
			defer s.Close()

			outcome, err := s.settler.Execute(c.Context, requestID)
			if perr := printJSON(c.App.Writer, outcome); perr != nil {
				return perr
			}
			return err
		},
	}
}

func walletCommand() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "show resolver balances, allowances and readiness",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "xlsx", Usage: "also save the report as an Excel workbook at `PATH`"},
		},
		Action: func(c *cli.Context) error {
			s, err := buildServices(c.Context, false)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.wallet.Status(c.Context)
			if err != nil {
				return err
			}
			if path := c.String("xlsx"); path != "" {
				if err := export.NewWorkbookWriter(path).Write(c.Context, st); err != nil {
					return err
				}
				slog.Info("wallet report saved", "path", path)
			}
			return printJSON(c.App.Writer, st)
		},
	}
}

func pricesCommand() *cli.Command {
	return &cli.Command{
		Name:      "prices",
		Usage:     "fetch USD prices for oracle tickers (defaults to the hot list)",
		ArgsUsage: "[ticker...]",
		Action: func(c *cli.Context) error {
			s, err := buildServices(c.Context, false)
			if err != nil {
				return err
			}
			defer s.Close()

			tickers := c.Args().Slice()
			if len(tickers) == 0 {
				tickers = s.prices.HotAssets()
			}
			quotes, err := s.prices.GetBatch(c.Context, tickers)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, quotes)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
