package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func walletWithDeposit(t *testing.T, s *InMemory, userID, amount string) map[AccountType]string {
	t.Helper()
	ctx := context.Background()
	wallet, err := s.EnsureWalletAccounts(ctx, userID, "AED")
	if err != nil {
		t.Fatal(err)
	}
	omnibus, err := s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "AED"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.AppendOperation(ctx, AppendRequest{
		Type: OpDepositAED,
		Entries: []EntrySpec{
			{AccountID: wallet[AccountWalletAvailable], Amount: dec(amount), Currency: "AED"},
			{AccountID: omnibus.ID, Amount: dec(amount).Neg(), Currency: "AED"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return wallet
}

func TestAppendAndBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet := walletWithDeposit(t, s, "u1", "250.50")

	bal, err := s.Balance(ctx, wallet[AccountWalletAvailable])
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(dec("250.50")) {
		t.Fatalf("unexpected balance: %s", bal)
	}
}

func TestAppendRejectsUnbalancedEntries(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet, _ := s.EnsureWalletAccounts(ctx, "u1", "AED")
	omnibus, _ := s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "AED"})

	_, err := s.AppendOperation(ctx, AppendRequest{
		Type: OpDepositAED,
		Entries: []EntrySpec{
			{AccountID: wallet[AccountWalletAvailable], Amount: dec("100"), Currency: "AED"},
			{AccountID: omnibus.ID, Amount: dec("-99"), Currency: "AED"},
		},
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	// Nothing may be written on rejection.
	bal, _ := s.Balance(ctx, wallet[AccountWalletAvailable])
	if !bal.IsZero() {
		t.Fatalf("balance changed after rejected append: %s", bal)
	}
}

func TestAppendRejectsCurrencyMismatch(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet, _ := s.EnsureWalletAccounts(ctx, "u1", "AED")
	usd, _ := s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "USD"})

	_, err := s.AppendOperation(ctx, AppendRequest{
		Type: OpDepositAED,
		Entries: []EntrySpec{
			{AccountID: wallet[AccountWalletAvailable], Amount: dec("100"), Currency: "AED"},
			{AccountID: usd.ID, Amount: dec("-100"), Currency: "AED"},
		},
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBalanceGuardInsufficient(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet := walletWithDeposit(t, s, "u1", "100")
	omnibus, _ := s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "AED"})

	_, err := s.AppendOperation(ctx, AppendRequest{
		Type: OpReversal,
		Entries: []EntrySpec{
			{AccountID: wallet[AccountWalletAvailable], Amount: dec("-150"), Currency: "AED"},
			{AccountID: omnibus.ID, Amount: dec("150"), Currency: "AED"},
		},
		Guards: []BalanceGuard{{AccountID: wallet[AccountWalletAvailable], Min: dec("150")}},
	})
	if !IsInsufficientBalance(err) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	var ib *InsufficientBalanceError
	errors.As(err, &ib)
	if !ib.Available.Equal(dec("100")) {
		t.Fatalf("unexpected available in error: %s", ib.Available)
	}
	bal, _ := s.Balance(ctx, wallet[AccountWalletAvailable])
	if !bal.Equal(dec("100")) {
		t.Fatalf("balance changed after failed guard: %s", bal)
	}
}

func TestIdempotentReplay(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet, _ := s.EnsureWalletAccounts(ctx, "u1", "AED")
	omnibus, _ := s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "AED"})

	req := AppendRequest{
		Type:           OpDepositAED,
		IdempotencyKey: "same-key",
		Entries: []EntrySpec{
			{AccountID: wallet[AccountWalletBlocked], Amount: dec("100"), Currency: "AED"},
			{AccountID: omnibus.ID, Amount: dec("-100"), Currency: "AED"},
		},
	}
	op1, err := s.AppendOperation(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	op2, err := s.AppendOperation(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if op1.ID != op2.ID {
		t.Fatalf("replay returned different operation: %s != %s", op1.ID, op2.ID)
	}
	if op1.Replayed || !op2.Replayed {
		t.Fatalf("replay flags wrong: first=%v second=%v", op1.Replayed, op2.Replayed)
	}
	bal, _ := s.Balance(ctx, wallet[AccountWalletBlocked])
	if !bal.Equal(dec("100")) {
		t.Fatalf("replay posted twice: %s", bal)
	}
}

func TestIdempotencyKeyTypeConflict(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet, _ := s.EnsureWalletAccounts(ctx, "u1", "AED")
	omnibus, _ := s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "AED"})

	entries := []EntrySpec{
		{AccountID: wallet[AccountWalletBlocked], Amount: dec("100"), Currency: "AED"},
		{AccountID: omnibus.ID, Amount: dec("-100"), Currency: "AED"},
	}
	if _, err := s.AppendOperation(ctx, AppendRequest{Type: OpDepositAED, IdempotencyKey: "k", Entries: entries}); err != nil {
		t.Fatal(err)
	}
	_, err := s.AppendOperation(ctx, AppendRequest{Type: OpAdjustment, IdempotencyKey: "k", Entries: entries})
	if !IsValidation(err) {
		t.Fatalf("expected validation error on type conflict, got %v", err)
	}
}

func TestConcurrentGuardedAppends(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet := walletWithDeposit(t, s, "u1", "1000")
	_, _ = s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "AED"})

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AppendOperation(ctx, AppendRequest{
				Type: OpInvestExclusive,
				Entries: []EntrySpec{
					{AccountID: wallet[AccountWalletAvailable], Amount: dec("-100"), Currency: "AED"},
					{AccountID: wallet[AccountWalletLocked], Amount: dec("100"), Currency: "AED"},
				},
				Guards: []BalanceGuard{{AccountID: wallet[AccountWalletAvailable], Min: dec("100")}},
			})
		}()
	}
	wg.Wait()

	avail, _ := s.Balance(ctx, wallet[AccountWalletAvailable])
	locked, _ := s.Balance(ctx, wallet[AccountWalletLocked])
	if avail.IsNegative() {
		t.Fatalf("available went negative: %s", avail)
	}
	if !avail.Add(locked).Equal(dec("1000")) {
		t.Fatalf("conservation violated: avail=%s locked=%s", avail, locked)
	}
	if !avail.IsZero() || !locked.Equal(dec("1000")) {
		t.Fatalf("expected exactly 10 locks to pass: avail=%s locked=%s", avail, locked)
	}
}

func TestEnsureWalletAccountsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	first, err := s.EnsureWalletAccounts(ctx, "u1", "aed")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.EnsureWalletAccounts(ctx, "u1", "AED")
	if err != nil {
		t.Fatal(err)
	}
	for _, typ := range []AccountType{AccountWalletAvailable, AccountWalletBlocked, AccountWalletLocked} {
		if first[typ] == "" || first[typ] != second[typ] {
			t.Fatalf("wallet accounts not stable for %s: %q vs %q", typ, first[typ], second[typ])
		}
	}
}

func TestAccountKeyScopeValidation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	cases := []AccountKey{
		{Type: AccountWalletAvailable, Currency: "AED"},                                     // missing user
		{Type: AccountInternalOmnibus, OwnerUserID: "u1", Currency: "AED"},                  // user forbidden
		{Type: AccountVaultPoolCash, OfferID: "o1", Currency: "AED"},                        // wrong scope id
		{Type: AccountOfferPoolLocked, OfferID: "o1", VaultID: "v1", Currency: "AED"},       // two ids
		{Type: AccountWalletAvailable, OwnerUserID: "u1", Currency: "dirham"},               // bad currency
		{Type: AccountType("SOMETHING_ELSE"), OwnerUserID: "u1", Currency: "AED"},           // unknown type
	}
	for _, key := range cases {
		if _, err := s.GetOrCreateAccount(ctx, key); !IsValidation(err) {
			t.Fatalf("expected validation error for %+v, got %v", key, err)
		}
	}
}

func TestCreateTransactionExternalReferenceReplay(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	tx1, err := s.CreateTransaction(ctx, Transaction{UserID: "u1", Type: TxDeposit, ExternalReference: "bank-1"})
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := s.CreateTransaction(ctx, Transaction{UserID: "u1", Type: TxDeposit, ExternalReference: "bank-1"})
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID != tx2.ID {
		t.Fatalf("external reference replay created a new transaction: %s != %s", tx1.ID, tx2.ID)
	}
	if tx1.Status != StatusInitiated {
		t.Fatalf("new transaction must start INITIATED, got %s", tx1.Status)
	}
}

func TestWalletLockLifecycle(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	lock, err := s.CreateWalletLock(ctx, WalletLock{
		UserID: "u1", Currency: "AED", Amount: dec("400"),
		Reason: LockReasonOfferInvest, ReferenceType: LockRefOffer,
		ReferenceID: "offer-1", IntentID: "intent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if lock.Status != LockActive {
		t.Fatalf("new lock must be ACTIVE, got %s", lock.Status)
	}

	again, err := s.CreateWalletLock(ctx, WalletLock{
		UserID: "u1", Currency: "AED", Amount: dec("400"),
		Reason: LockReasonOfferInvest, ReferenceType: LockRefOffer,
		ReferenceID: "offer-1", IntentID: "intent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != lock.ID {
		t.Fatalf("duplicate intent created a second active lock")
	}

	released, err := s.ReleaseWalletLock(ctx, "intent-1")
	if err != nil {
		t.Fatal(err)
	}
	if released.Status != LockReleased || released.ReleasedAt == nil {
		t.Fatalf("release did not mark the lock: %+v", released)
	}
	if _, err := s.ActiveLockByIntent(ctx, "intent-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("released lock still active: %v", err)
	}
}

func TestValidateOperation(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	wallet, _ := s.EnsureWalletAccounts(ctx, "u1", "AED")
	omnibus, _ := s.GetOrCreateAccount(ctx, AccountKey{Type: AccountInternalOmnibus, Currency: "AED"})

	op, err := s.AppendOperation(ctx, AppendRequest{
		Type: OpDepositAED,
		Entries: []EntrySpec{
			{AccountID: wallet[AccountWalletBlocked], Amount: dec("10"), Currency: "AED"},
			{AccountID: omnibus.ID, Amount: dec("-10"), Currency: "AED"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.ValidateOperation(ctx, op.ID); err != nil {
		t.Fatalf("valid operation flagged: %v", err)
	}
	if err := s.ValidateOperation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
