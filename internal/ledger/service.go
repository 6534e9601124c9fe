package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EntrySpec describes one signed movement inside an AppendRequest. Positive
// amounts become CREDIT entries, negative amounts DEBIT entries.
type EntrySpec struct {
	AccountID string
	Amount    decimal.Decimal
	Currency  string
}

// BalanceGuard requires an account to hold at least Min at append time,
// evaluated atomically with the writes of the same request. A failing guard
// aborts the whole append with InsufficientBalanceError.
type BalanceGuard struct {
	AccountID string
	Min       decimal.Decimal
}

// AppendRequest is the input to AppendOperation.
type AppendRequest struct {
	Type           OperationType
	TransactionID  string
	IdempotencyKey string
	// Pending records the operation as PENDING instead of COMPLETED.
	Pending  bool
	Metadata map[string]string
	Entries  []EntrySpec
	Guards   []BalanceGuard
}

// Store is the ledger persistence contract: the account registry, the
// append-only operation/entry log, transactions and wallet locks.
type Store interface {
	// GetOrCreateAccount provisions the account for key if missing. Safe
	// under concurrent first use: implementations insert and fall back to a
	// re-select on a uniqueness conflict, never check-then-insert.
	GetOrCreateAccount(ctx context.Context, key AccountKey) (Account, error)

	// EnsureWalletAccounts idempotently provisions the three wallet
	// compartments for a user and currency, keyed by account type.
	EnsureWalletAccounts(ctx context.Context, userID, currency string) (map[AccountType]string, error)

	// Balance sums all entries for the account. Zero for no entries; always
	// consistent with the latest committed entries.
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)

	// AppendOperation atomically records one operation with all its entries,
	// or nothing. Replaying an idempotency key returns the stored operation
	// unchanged with Replayed set.
	AppendOperation(ctx context.Context, req AppendRequest) (Operation, error)

	// ValidateOperation re-checks the double-entry invariant for a stored
	// operation and returns ErrInvariantViolation when it does not hold.
	ValidateOperation(ctx context.Context, operationID string) error

	// CreateTransaction inserts tx, or returns the existing transaction when
	// an external reference collides (webhook replays).
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	// SetTransactionStatus updates the denormalized status cache column.
	SetTransactionStatus(ctx context.Context, id string, status TransactionStatus) error
	OperationsByTransaction(ctx context.Context, transactionID string) ([]Operation, error)

	CreateWalletLock(ctx context.Context, lock WalletLock) (WalletLock, error)
	ReleaseWalletLock(ctx context.Context, intentID string) (WalletLock, error)
	ActiveLockByIntent(ctx context.Context, intentID string) (WalletLock, error)
}

// InMemory implements Store with in-process concurrency safety. Used by
// tests and the smoke binary; production runs the Postgres store.
type InMemory struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	accountByKey map[AccountKey]string
	ops          map[string]*Operation
	opsByTx      map[string][]string
	idem         map[string]string // idempotency key -> operation id
	entries      map[string][]LedgerEntry
	txs          map[string]*Transaction
	txByRef      map[string]string
	locks        map[string]*WalletLock
	lockByIntent map[string]string
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty ledger store.
func NewInMemory() *InMemory {
	return &InMemory{
		accounts:     make(map[string]*Account),
		accountByKey: make(map[AccountKey]string),
		ops:          make(map[string]*Operation),
		opsByTx:      make(map[string][]string),
		idem:         make(map[string]string),
		entries:      make(map[string][]LedgerEntry),
		txs:          make(map[string]*Transaction),
		txByRef:      make(map[string]string),
		locks:        make(map[string]*WalletLock),
		lockByIntent: make(map[string]string),
	}
}

func (s *InMemory) GetOrCreateAccount(ctx context.Context, key AccountKey) (Account, error) {
	key.Currency = NormalizeCurrency(key.Currency)
	if err := ValidateAccountKey(key); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateAccountLocked(key), nil
}

func (s *InMemory) getOrCreateAccountLocked(key AccountKey) Account {
	if id, ok := s.accountByKey[key]; ok {
		return *s.accounts[id]
	}
	acc := &Account{
		ID:         newID(),
		AccountKey: key,
		CreatedAt:  time.Now().UTC(),
	}
	s.accounts[acc.ID] = acc
	s.accountByKey[key] = acc.ID
	return *acc
}

func (s *InMemory) EnsureWalletAccounts(ctx context.Context, userID, currency string) (map[AccountType]string, error) {
	currency = NormalizeCurrency(currency)
	if userID == "" {
		return nil, validationf("user id is required")
	}
	if !ValidCurrency(currency) {
		return nil, validationf("invalid currency code %q", currency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[AccountType]string, 3)
	for _, t := range []AccountType{AccountWalletAvailable, AccountWalletBlocked, AccountWalletLocked} {
		acc := s.getOrCreateAccountLocked(AccountKey{Type: t, OwnerUserID: userID, Currency: currency})
		out[t] = acc.ID
	}
	return out, nil
}

func (s *InMemory) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return decimal.Zero, ErrNotFound
	}
	return s.balanceLocked(accountID), nil
}

func (s *InMemory) balanceLocked(accountID string) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range s.entries[accountID] {
		sum = sum.Add(e.Amount)
	}
	return sum
}

func (s *InMemory) AppendOperation(ctx context.Context, req AppendRequest) (Operation, error) {
	if err := ValidateAppend(req); err != nil {
		return Operation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if opID, ok := s.idem[req.IdempotencyKey]; ok {
			existing := s.ops[opID]
			if existing.Type != req.Type {
				return Operation{}, validationf("idempotency key %q already used by operation type %s",
					req.IdempotencyKey, existing.Type)
			}
			out := copyOperation(existing)
			out.Replayed = true
			return out, nil
		}
	}

	for _, e := range req.Entries {
		acc, ok := s.accounts[e.AccountID]
		if !ok {
			return Operation{}, ErrNotFound
		}
		if acc.Currency != e.Currency {
			return Operation{}, validationf("entry currency %s does not match account currency %s", e.Currency, acc.Currency)
		}
	}
	for _, g := range req.Guards {
		if _, ok := s.accounts[g.AccountID]; !ok {
			return Operation{}, ErrNotFound
		}
		bal := s.balanceLocked(g.AccountID)
		if bal.LessThan(g.Min) {
			return Operation{}, &InsufficientBalanceError{AccountID: g.AccountID, Requested: g.Min, Available: bal}
		}
	}

	status := OperationCompleted
	if req.Pending {
		status = OperationPending
	}
	now := time.Now().UTC()
	op := &Operation{
		ID:             newID(),
		TransactionID:  req.TransactionID,
		Type:           req.Type,
		Status:         status,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       copyMeta(req.Metadata),
		CreatedAt:      now,
	}
	for _, e := range req.Entries {
		entry := LedgerEntry{
			ID:          newID(),
			OperationID: op.ID,
			AccountID:   e.AccountID,
			Amount:      e.Amount,
			Currency:    e.Currency,
			Type:        entryType(e.Amount),
			CreatedAt:   now,
		}
		op.Entries = append(op.Entries, entry)
		s.entries[e.AccountID] = append(s.entries[e.AccountID], entry)
	}
	s.ops[op.ID] = op
	if req.TransactionID != "" {
		s.opsByTx[req.TransactionID] = append(s.opsByTx[req.TransactionID], op.ID)
	}
	if req.IdempotencyKey != "" {
		s.idem[req.IdempotencyKey] = op.ID
	}
	return copyOperation(op), nil
}

func (s *InMemory) ValidateOperation(ctx context.Context, operationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[operationID]
	if !ok {
		return ErrNotFound
	}
	sums := make(map[string]decimal.Decimal)
	for _, e := range op.Entries {
		sums[e.Currency] = sums[e.Currency].Add(e.Amount)
	}
	for _, sum := range sums {
		if !sum.IsZero() {
			return ErrInvariantViolation
		}
	}
	return nil
}

func (s *InMemory) CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.UserID == "" {
		return Transaction{}, validationf("user id is required")
	}
	switch tx.Type {
	case TxDeposit, TxWithdrawal, TxInvestment:
	default:
		return Transaction{}, validationf("unknown transaction type %q", tx.Type)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ExternalReference != "" {
		if id, ok := s.txByRef[tx.ExternalReference]; ok {
			return *s.txs[id], nil
		}
	}
	now := time.Now().UTC()
	stored := tx
	stored.ID = newID()
	stored.Status = StatusInitiated
	stored.Metadata = copyMeta(tx.Metadata)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.txs[stored.ID] = &stored
	if stored.ExternalReference != "" {
		s.txByRef[stored.ExternalReference] = stored.ID
	}
	return stored, nil
}

func (s *InMemory) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return *tx, nil
}

func (s *InMemory) SetTransactionStatus(ctx context.Context, id string, status TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != status {
		tx.Status = status
		tx.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *InMemory) OperationsByTransaction(ctx context.Context, transactionID string) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.opsByTx[transactionID]
	out := make([]Operation, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyOperation(s.ops[id]))
	}
	return out, nil
}

func (s *InMemory) CreateWalletLock(ctx context.Context, lock WalletLock) (WalletLock, error) {
	if lock.IntentID == "" {
		return WalletLock{}, validationf("lock intent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.lockByIntent[lock.IntentID]; ok {
		existing := s.locks[id]
		if existing.Status == LockActive {
			return *existing, nil
		}
	}
	stored := lock
	stored.ID = newID()
	stored.Status = LockActive
	stored.CreatedAt = time.Now().UTC()
	stored.ReleasedAt = nil
	s.locks[stored.ID] = &stored
	s.lockByIntent[stored.IntentID] = stored.ID
	return stored, nil
}

func (s *InMemory) ReleaseWalletLock(ctx context.Context, intentID string) (WalletLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.lockByIntent[intentID]
	if !ok {
		return WalletLock{}, ErrNotFound
	}
	lock := s.locks[id]
	if lock.Status != LockReleased {
		now := time.Now().UTC()
		lock.Status = LockReleased
		lock.ReleasedAt = &now
	}
	return *lock, nil
}

func (s *InMemory) ActiveLockByIntent(ctx context.Context, intentID string) (WalletLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.lockByIntent[intentID]
	if !ok {
		return WalletLock{}, ErrNotFound
	}
	lock := s.locks[id]
	if lock.Status != LockActive {
		return WalletLock{}, ErrNotFound
	}
	return *lock, nil
}

func copyOperation(op *Operation) Operation {
	out := *op
	out.Metadata = copyMeta(op.Metadata)
	out.Entries = append([]LedgerEntry(nil), op.Entries...)
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
