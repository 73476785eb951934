package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ligun0805/jar-burn/internal/app"
	"github.com/ligun0805/jar-burn/internal/config"
	"github.com/ligun0805/jar-burn/internal/observability"
	"github.com/ligun0805/jar-burn/internal/release"
)

func main() {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	st := config.Load()
	level := st.LogLevel
	if os.Getenv("LOG_LEVEL") == "" && os.Getenv("log_level") == "" {
		level = "warn"
	}
	log, err := observability.NewLogger(level, st.LogFile)
	must(err, "logger")
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, st, log)
	must(err, "startup")
	defer a.Close()

	reader := bufio.NewReader(os.Stdin)
	rel := a.Releaser(st.PrivateKeyHex)
	from := ""
	if rel.HasSigner() {
		from = rel.From().Hex()
	}
	printConfig(os.Stdout, st, from)

	fmt.Println("\nValuing jar…")
	refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	view, err := a.Monitor.RefreshOnce(refreshCtx)
	cancel()
	if view.Snapshot == nil {
		if err == nil {
			err = errors.New("no balances")
		}
		die("valuation failed: " + err.Error())
	}
	for stage, msg := range view.Errors {
		fmt.Printf("[warn] %s: %s\n", stage, msg)
	}
	snap := *view.Snapshot
	fmt.Println()
	printSnapshot(os.Stdout, snap)

	if !snap.Profitable() {
		fmt.Println("\nNothing to do: burning now would lose money.")
		return
	}

	if !rel.HasSigner() {
		if !yes(readLine(reader, "\nRelease is profitable. Enter a key to submit? [y/N]: ")) {
			return
		}
		rel = a.Releaser(readPassword("Private key (hidden): "))
		if !rel.HasSigner() {
			die("invalid private key")
		}
		fmt.Println("  -> address:", rel.From().Hex())
	}

	req, err := rel.Requirements(ctx, rel.From())
	must(err, "requirements")
	fmt.Println("\n=== REQUIREMENTS ===")
	fmt.Printf("Burn token balance: %s / %s %s\n", formatUnits(req.Balance, st.BurnDecimals), formatUnits(req.Need, st.BurnDecimals), okMark(req.HasBalance()))
	fmt.Printf("Firepit allowance : %s / %s %s\n", formatUnits(req.Allowance, st.BurnDecimals), formatUnits(req.Need, st.BurnDecimals), okMark(req.HasAllowance()))
	if !req.Met() {
		die("requirements not met: hold and approve the burn quantity for the firepit first")
	}

	if !yes(readLine(reader, fmt.Sprintf("\nSubmit release for %d tokens (net %s)? [y/N]: ", len(snap.Tokens), formatUSD(snap.NetProfit)))) {
		fmt.Println("Aborted.")
		return
	}

	h, err := rel.Release(ctx, snap)
	a.Metrics.Release(err)
	must(err, "release")
	fmt.Println("Submitted:", h.Hash.Hex())

	waitCtx, cancelWait := context.WithTimeout(ctx, 10*time.Minute)
	defer cancelWait()
	status, err := rel.Wait(waitCtx, h)
	if err != nil {
		log.Warn("gave up waiting for receipt", zap.String("tx", h.Hash.Hex()), zap.Error(err))
		fmt.Println("Still pending:", h.Hash.Hex())
		return
	}
	fmt.Println("Result:", status)
	if status != release.StatusConfirmed {
		os.Exit(2)
	}
}

func okMark(ok bool) string {
	if ok {
		return "[ok]"
	}
	return "[missing]"
}
