package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"mahfaza.org/internal/funds"
	"mahfaza.org/internal/ledger"
)

// Runs the full deposit -> release -> invest -> unlock flow against the
// in-memory store and checks the resulting compartment balances.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := ledger.NewInMemory()
	svc := funds.NewService(store, nil)

	const user = "user-smoke"
	amount := decimal.RequireFromString("1000.00")

	tx, err := store.CreateTransaction(ctx, ledger.Transaction{
		UserID: user, Type: ledger.TxDeposit, ExternalReference: "smoke-deposit-1",
	})
	if err != nil {
		log.Fatalf("create transaction: %v", err)
	}
	if _, err := svc.RecordDepositBlocked(ctx, funds.DepositRequest{
		UserID: user, Currency: "AED", Amount: amount,
		TransactionID: tx.ID, IdempotencyKey: "smoke-deposit-1",
	}); err != nil {
		log.Fatalf("deposit: %v", err)
	}
	if _, err := svc.ReleaseComplianceFunds(ctx, funds.ReleaseRequest{
		UserID: user, Currency: "AED", Amount: amount,
		TransactionID: tx.ID, IdempotencyKey: "smoke-release-1",
	}); err != nil {
		log.Fatalf("release: %v", err)
	}

	invested := decimal.RequireFromString("400.00")
	investTx, err := store.CreateTransaction(ctx, ledger.Transaction{
		UserID: user, Type: ledger.TxInvestment, ExternalReference: "invest:smoke-intent-1",
	})
	if err != nil {
		log.Fatalf("create investment transaction: %v", err)
	}
	if _, _, err := svc.LockFundsForInvestment(ctx, funds.LockRequest{
		UserID: user, Currency: "AED", Amount: invested,
		TransactionID: investTx.ID, OfferID: "offer-1", IntentID: "smoke-intent-1",
		IdempotencyKey: "smoke-lock-1",
	}); err != nil {
		log.Fatalf("lock: %v", err)
	}
	if _, _, err := svc.ReleaseInvestmentLock(ctx, funds.UnlockRequest{
		IntentID: "smoke-intent-1", TransactionID: investTx.ID, IdempotencyKey: "smoke-unlock-1",
	}); err != nil {
		log.Fatalf("unlock: %v", err)
	}

	wallet, err := store.EnsureWalletAccounts(ctx, user, "AED")
	if err != nil {
		log.Fatalf("wallet accounts: %v", err)
	}
	check := func(t ledger.AccountType, want decimal.Decimal) {
		bal, err := store.Balance(ctx, wallet[t])
		if err != nil {
			log.Fatalf("balance %s: %v", t, err)
		}
		if !bal.Equal(want) {
			log.Fatalf("unexpected %s balance: got %s want %s", t, bal, want)
		}
	}
	check(ledger.AccountWalletAvailable, amount)
	check(ledger.AccountWalletBlocked, decimal.Zero)
	check(ledger.AccountWalletLocked, decimal.Zero)

	status, err := svc.RecomputeTransactionStatus(ctx, tx.ID)
	if err != nil {
		log.Fatalf("recompute status: %v", err)
	}
	if status != ledger.StatusAvailable {
		log.Fatalf("unexpected deposit status: %s", status)
	}

	fmt.Printf("✅ wallet smoke test passed: user=%s available=%s\n", user, amount)
}
