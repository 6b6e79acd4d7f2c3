package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/valdrix/enforcement/pkg/approval"
	"github.com/valdrix/enforcement/pkg/config"
	"github.com/valdrix/enforcement/pkg/reconcile"
)

// runSweepCmd runs one reconciliation sweep: overdue reservation holds are
// refunded and expired approvals closed, same as one tick of the server's
// background worker.
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	if cfg.ApprovalTokenSecret == "" {
		fmt.Fprintln(stderr, "sweep: ENFORCEMENT_APPROVAL_TOKEN_SECRET is required")
		return 1
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	defer st.Close()

	tokens, err := approval.NewTokenService(cfg.ApprovalTokenSecret, cfg.ApprovalFallbackSecrets, "approval-v1")
	if err != nil {
		fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	approvals := approval.NewService(st.approvals, tokens, st.decisions)
	reconciler := reconcile.New(st.credits, st.decisions, st.budgets, st.receipts)
	worker := reconcile.NewWorker(reconciler, approvals, 0)

	swept, expired, err := worker.Sweep(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "sweep: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "swept %d overdue reservations, expired %d approvals\n", swept, expired)
	return 0
}
