package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"execution-core/internal/api"
	"execution-core/internal/execution"
	"execution-core/internal/guard"
	"execution-core/internal/monitor"
	"execution-core/pkg/exchanges/common"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconciliation loop, exit monitor and status API",
	Long: `Run starts the long-lived engine process.

In live mode the instance guard must be acquired first; a second process
against the same account refuses to start. A reconciliation cycle runs
immediately to recover fills missed while the engine was down.`,
	RunE: runEngine,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation cycle and print its summary",
	RunE:  runReconcile,
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Inspect or clear the mental position store",
}

var positionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked positions",
	RunE:  runPositionsList,
}

var positionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every tracked position (emergency use)",
	RunE:  runPositionsClear,
}

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Instance guard diagnostics",
}

var guardStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show heartbeat and lock records and the decision a new process would get",
	RunE:  runGuardStatus,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the status API",
	RunE:  runToken,
}

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Place a single entry or exit through the configured execution mode",
}

var orderEnterCmd = &cobra.Command{
	Use:   "enter",
	Short: "Open a position worth --notional quote currency",
	RunE:  runOrderEnter,
}

var orderExitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Close a tracked position with a market order",
	RunE:  runOrderExit,
}

var (
	positionsJSON  bool
	positionsForce bool

	tokenSubject string
	tokenTTL     time.Duration

	orderSymbol     string
	orderSide       string
	orderNotional   float64
	orderVolatility float64
	orderQuantity   float64
	orderReason     string
)

func init() {
	rootCmd.AddCommand(runCmd, reconcileCmd, positionsCmd, guardCmd, tokenCmd, orderCmd)
	positionsCmd.AddCommand(positionsListCmd, positionsClearCmd)
	guardCmd.AddCommand(guardStatusCmd)
	orderCmd.AddCommand(orderEnterCmd, orderExitCmd)

	positionsListCmd.Flags().BoolVar(&positionsJSON, "json", false, "print JSON instead of a table")
	positionsClearCmd.Flags().BoolVar(&positionsForce, "yes", false, "confirm removal of every position")

	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	orderCmd.PersistentFlags().StringVar(&orderSymbol, "symbol", "", "engine symbol, e.g. BTC/USD (required)")
	orderCmd.PersistentFlags().StringVar(&orderReason, "reason", "manual", "reason recorded with the execution")
	orderEnterCmd.Flags().StringVar(&orderSide, "side", "buy", "buy or sell")
	orderEnterCmd.Flags().Float64Var(&orderNotional, "notional", 0, "position size in quote currency (required)")
	orderEnterCmd.Flags().Float64Var(&orderVolatility, "volatility", 0, "ATR-style volatility for stop and target distances")
	orderExitCmd.Flags().Float64Var(&orderQuantity, "qty", 0, "quantity to close; 0 closes the tracked position")
	_ = orderCmd.MarkPersistentFlagRequired("symbol")
	_ = orderEnterCmd.MarkFlagRequired("notional")
}

// openApp loads configuration and wires the component graph.
func openApp() (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, logger)
}

func closeApp(a *app) {
	if err := a.Close(); err != nil {
		a.logger.Error().Err(err).Msg("shutdown incomplete")
	}
}

// acquireGuard gates live order placement; paper mode bypasses the guard.
// The returned release must run on exit.
func acquireGuard(ctx context.Context, a *app) (func(), error) {
	if !a.cfg.IsLive() {
		a.logger.Info().Msg("paper mode: instance guard bypassed")
		return func() {}, nil
	}
	d, err := a.guard.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance guard: %w", err)
	}
	if !d.Allowed() {
		return nil, fmt.Errorf("%w: %s", guard.ErrBlocked, d.Reason)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.guard.Release(releaseCtx); err != nil {
			a.logger.Warn().Err(err).Msg("guard release failed")
		}
	}, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runEngine(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	release, err := acquireGuard(ctx, a)
	if err != nil {
		return err
	}
	defer release()

	// Loops stop with ctx; wg keeps the ledger open until they return.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()
	if a.cfg.IsLive() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.guard.RunHeartbeat(ctx, a.cfg.Guard.HeartbeatInterval)
		}()
	}

	mon := &monitor.Monitor{
		Bus:     a.bus,
		Metrics: a.metrics,
		Sinks:   []monitor.AlertSink{monitor.LogSink{Logger: a.logger}, a.alerts},
		Logger:  a.logger.With().Str("component", "monitor").Logger(),
	}
	monDone := mon.Start(ctx)

	a.logger.Info().
		Str("venue", a.venueName).
		Str("execution_mode", a.cfg.ExecutionMode).
		Str("version", Version).
		Msg("engine starting")

	if _, err := a.recon.Run(ctx); err != nil {
		return err
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-a.recon.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		a.execution.RunExitMonitor(ctx, a.cfg.Execution.ExitCheckEvery)
	}()

	server := api.NewServer(api.Deps{
		Bus:        a.bus,
		Positions:  a.tracker,
		Ledger:     a.db.ChildOrders(),
		Executions: a.db.Executions(),
		Runs:       a.db.Audit(),
		Cycles:     a.recon,
		Guard:      a.guard,
		Limiter:    a.limiter,
		Metrics:    a.metrics,
		Alerts:     a.alerts,
	}, api.SystemMeta{
		Mode:          a.cfg.Mode,
		ExecutionMode: a.cfg.ExecutionMode,
		Venue:         a.venueName,
		Version:       Version,
	}, a.cfg.APIJWTSecret, a.logger)

	err = server.Start(ctx, a.cfg.APIAddr)
	stop()
	<-monDone
	if err != nil {
		return fmt.Errorf("status API: %w", err)
	}
	a.logger.Info().Msg("engine stopped")
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	release, err := acquireGuard(ctx, a)
	if err != nil {
		return err
	}
	defer release()

	sum, err := a.recon.Run(ctx)
	if sum != nil {
		if perr := printJSON(cmd, sum); perr != nil {
			return perr
		}
	}
	return err
}

func runPositionsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	if positionsJSON {
		all, err := a.tracker.All()
		if err != nil {
			return err
		}
		return printJSON(cmd, all)
	}
	summary, err := a.tracker.Summary()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), summary)
	return nil
}

func runPositionsClear(cmd *cobra.Command, _ []string) error {
	if !positionsForce {
		return errors.New("refusing to clear positions without --yes")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.tracker.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", a.tracker.Path())
	return nil
}

func runGuardStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)
	return printJSON(cmd, a.guard.Status(cmd.Context()))
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	token, expiresAt, err := api.GenerateToken(tokenSubject, cfg.APIJWTSecret, tokenTTL)
	if err != nil {
		return err
	}
	return printJSON(cmd, map[string]any{"token": token, "expires_at": expiresAt.UTC()})
}

func runOrderEnter(cmd *cobra.Command, _ []string) error {
	side, err := common.ParseSide(orderSide)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	release, err := acquireGuard(ctx, a)
	if err != nil {
		return err
	}
	defer release()

	res, err := a.execution.ExecuteEntryWithMode(ctx, execution.EntryRequest{
		Symbol:      orderSymbol,
		Side:        side,
		NotionalUSD: orderNotional,
		Source:      "cli",
		Volatility:  orderVolatility,
		Reason:      orderReason,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runOrderExit(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	release, err := acquireGuard(ctx, a)
	if err != nil {
		return err
	}
	defer release()

	res, err := a.execution.ExecuteMarketExit(ctx, execution.ExitRequest{
		Symbol:   orderSymbol,
		Quantity: orderQuantity,
		Source:   "cli",
		Reason:   orderReason,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}
