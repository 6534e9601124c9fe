package funds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mahfaza.org/internal/audit"
	"mahfaza.org/internal/ledger"
	"mahfaza.org/internal/obs"
	"mahfaza.org/internal/stream"
)

// Audit actions written by the fund movement services.
const (
	ActionDepositRecorded    = "DEPOSIT_RECORDED"
	ActionFundsReleased      = "FUNDS_RELEASED"
	ActionInvestmentLocked   = "INVESTMENT_LOCKED"
	ActionInvestmentUnlocked = "INVESTMENT_UNLOCKED"
	ActionDepositRejected    = "DEPOSIT_REJECTED"
)

// Service orchestrates multi-entry operations on top of the ledger store.
// Every movement is idempotent via a caller-supplied key, appends one atomic
// operation, writes one best-effort audit record and recomputes the owning
// transaction's status.
type Service struct {
	store  ledger.Store
	sink   audit.Sink
	events *stream.Stream
}

// Option configures Service.
type Option func(*Service)

// WithStream publishes completed operations to the given stream.
func WithStream(s *stream.Stream) Option {
	return func(svc *Service) { svc.events = s }
}

// NewService builds a Service. A nil sink falls back to the JSON log sink.
func NewService(store ledger.Store, sink audit.Sink, opts ...Option) *Service {
	if sink == nil {
		sink = audit.LogSink{}
	}
	svc := &Service{store: store, sink: sink}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// DepositRequest records an incoming bank deposit into the blocked
// compartment pending compliance review.
type DepositRequest struct {
	UserID         string
	Currency       string
	Amount         decimal.Decimal
	TransactionID  string
	IdempotencyKey string
}

// RecordDepositBlocked credits the user's blocked compartment and debits the
// omnibus suspense account.
func (s *Service) RecordDepositBlocked(ctx context.Context, req DepositRequest) (ledger.Operation, error) {
	currency, err := s.checkMovement(req.UserID, req.Currency, req.Amount)
	if err != nil {
		return ledger.Operation{}, err
	}
	wallet, err := s.store.EnsureWalletAccounts(ctx, req.UserID, currency)
	if err != nil {
		return ledger.Operation{}, err
	}
	omnibus, err := s.store.GetOrCreateAccount(ctx, ledger.AccountKey{
		Type: ledger.AccountInternalOmnibus, Currency: currency,
	})
	if err != nil {
		return ledger.Operation{}, err
	}

	op, err := s.append(ctx, ledger.AppendRequest{
		Type:           ledger.OpDepositAED,
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       map[string]string{"user_id": req.UserID},
		Entries: []ledger.EntrySpec{
			{AccountID: wallet[ledger.AccountWalletBlocked], Amount: req.Amount, Currency: currency},
			{AccountID: omnibus.ID, Amount: req.Amount.Neg(), Currency: currency},
		},
	})
	if err != nil || op.Replayed {
		return op, err
	}

	s.writeAudit(ctx, audit.Record{
		ActorRole:  "SYSTEM",
		Action:     ActionDepositRecorded,
		EntityType: "operation",
		EntityID:   op.ID,
		After: map[string]any{
			"user_id":  req.UserID,
			"currency": currency,
			"amount":   req.Amount.String(),
		},
	})
	s.finish(ctx, op, currency, req.Amount)
	return op, nil
}

// ReleaseRequest moves compliance-cleared funds to the available
// compartment.
type ReleaseRequest struct {
	UserID         string
	Currency       string
	Amount         decimal.Decimal
	TransactionID  string
	IdempotencyKey string
	ActorUserID    string
}

// ReleaseComplianceFunds debits the blocked compartment and credits the
// available one. Fails with InsufficientBalanceError when the blocked
// balance does not cover the amount; balances stay untouched in that case.
func (s *Service) ReleaseComplianceFunds(ctx context.Context, req ReleaseRequest) (ledger.Operation, error) {
	currency, err := s.checkMovement(req.UserID, req.Currency, req.Amount)
	if err != nil {
		return ledger.Operation{}, err
	}
	wallet, err := s.store.EnsureWalletAccounts(ctx, req.UserID, currency)
	if err != nil {
		return ledger.Operation{}, err
	}

	op, err := s.append(ctx, ledger.AppendRequest{
		Type:           ledger.OpReleaseFunds,
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       map[string]string{"user_id": req.UserID},
		Entries: []ledger.EntrySpec{
			{AccountID: wallet[ledger.AccountWalletBlocked], Amount: req.Amount.Neg(), Currency: currency},
			{AccountID: wallet[ledger.AccountWalletAvailable], Amount: req.Amount, Currency: currency},
		},
		Guards: []ledger.BalanceGuard{
			{AccountID: wallet[ledger.AccountWalletBlocked], Min: req.Amount},
		},
	})
	if err != nil || op.Replayed {
		return op, err
	}

	s.writeAudit(ctx, audit.Record{
		ActorUserID: req.ActorUserID,
		ActorRole:   "COMPLIANCE",
		Action:      ActionFundsReleased,
		EntityType:  "operation",
		EntityID:    op.ID,
		After: map[string]any{
			"user_id":  req.UserID,
			"currency": currency,
			"amount":   req.Amount.String(),
		},
	})
	s.finish(ctx, op, currency, req.Amount)
	return op, nil
}

// LockRequest reserves available funds for a pooled investment offer.
type LockRequest struct {
	UserID         string
	Currency       string
	Amount         decimal.Decimal
	TransactionID  string
	OfferID        string
	IntentID       string
	IdempotencyKey string
	Reason         ledger.LockReason
}

// LockFundsForInvestment debits the available compartment, credits the
// locked one and records an ACTIVE wallet lock for the intent. A rejected
// attempt leaves balances and locks unchanged.
func (s *Service) LockFundsForInvestment(ctx context.Context, req LockRequest) (ledger.Operation, ledger.WalletLock, error) {
	currency, err := s.checkMovement(req.UserID, req.Currency, req.Amount)
	if err != nil {
		return ledger.Operation{}, ledger.WalletLock{}, err
	}
	if req.IntentID == "" {
		return ledger.Operation{}, ledger.WalletLock{}, &ledger.ValidationError{Reason: "intent id is required"}
	}
	reason := req.Reason
	if reason == "" {
		reason = ledger.LockReasonOfferInvest
	}
	wallet, err := s.store.EnsureWalletAccounts(ctx, req.UserID, currency)
	if err != nil {
		return ledger.Operation{}, ledger.WalletLock{}, err
	}

	op, err := s.append(ctx, ledger.AppendRequest{
		Type:           ledger.OpInvestExclusive,
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       map[string]string{"user_id": req.UserID, "offer_id": req.OfferID, "intent_id": req.IntentID},
		Entries: []ledger.EntrySpec{
			{AccountID: wallet[ledger.AccountWalletAvailable], Amount: req.Amount.Neg(), Currency: currency},
			{AccountID: wallet[ledger.AccountWalletLocked], Amount: req.Amount, Currency: currency},
		},
		Guards: []ledger.BalanceGuard{
			{AccountID: wallet[ledger.AccountWalletAvailable], Min: req.Amount},
		},
	})
	if err != nil {
		return ledger.Operation{}, ledger.WalletLock{}, err
	}
	if op.Replayed {
		lock, lockErr := s.store.ActiveLockByIntent(ctx, req.IntentID)
		if lockErr != nil && !errors.Is(lockErr, ledger.ErrNotFound) {
			return op, ledger.WalletLock{}, lockErr
		}
		return op, lock, nil
	}

	refType := ledger.LockRefOffer
	if reason == ledger.LockReasonVaultVesting {
		refType = ledger.LockRefVault
	}
	lock, err := s.store.CreateWalletLock(ctx, ledger.WalletLock{
		UserID:        req.UserID,
		Currency:      currency,
		Amount:        req.Amount,
		Reason:        reason,
		ReferenceType: refType,
		ReferenceID:   req.OfferID,
		IntentID:      req.IntentID,
		OperationID:   op.ID,
	})
	if err != nil {
		return op, ledger.WalletLock{}, err
	}

	s.writeAudit(ctx, audit.Record{
		ActorUserID: req.UserID,
		ActorRole:   "USER",
		Action:      ActionInvestmentLocked,
		EntityType:  "operation",
		EntityID:    op.ID,
		After: map[string]any{
			"user_id":   req.UserID,
			"offer_id":  req.OfferID,
			"intent_id": req.IntentID,
			"currency":  currency,
			"amount":    req.Amount.String(),
		},
	})
	s.finish(ctx, op, currency, req.Amount)
	return op, lock, nil
}

// UnlockRequest releases a previously locked investment intent back to the
// available compartment.
type UnlockRequest struct {
	IntentID       string
	TransactionID  string
	IdempotencyKey string
	ActorUserID    string
}

// ReleaseInvestmentLock reverses the lock movement for an ACTIVE intent and
// marks the wallet lock RELEASED.
func (s *Service) ReleaseInvestmentLock(ctx context.Context, req UnlockRequest) (ledger.Operation, ledger.WalletLock, error) {
	if req.IntentID == "" {
		return ledger.Operation{}, ledger.WalletLock{}, &ledger.ValidationError{Reason: "intent id is required"}
	}
	lock, err := s.store.ActiveLockByIntent(ctx, req.IntentID)
	if err != nil {
		return ledger.Operation{}, ledger.WalletLock{}, err
	}
	wallet, err := s.store.EnsureWalletAccounts(ctx, lock.UserID, lock.Currency)
	if err != nil {
		return ledger.Operation{}, ledger.WalletLock{}, err
	}

	op, err := s.append(ctx, ledger.AppendRequest{
		Type:           ledger.OpReversal,
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       map[string]string{"user_id": lock.UserID, "intent_id": lock.IntentID},
		Entries: []ledger.EntrySpec{
			{AccountID: wallet[ledger.AccountWalletLocked], Amount: lock.Amount.Neg(), Currency: lock.Currency},
			{AccountID: wallet[ledger.AccountWalletAvailable], Amount: lock.Amount, Currency: lock.Currency},
		},
		Guards: []ledger.BalanceGuard{
			{AccountID: wallet[ledger.AccountWalletLocked], Min: lock.Amount},
		},
	})
	if err != nil {
		return ledger.Operation{}, ledger.WalletLock{}, err
	}
	if op.Replayed {
		return op, lock, nil
	}

	released, err := s.store.ReleaseWalletLock(ctx, req.IntentID)
	if err != nil {
		return op, ledger.WalletLock{}, err
	}

	s.writeAudit(ctx, audit.Record{
		ActorUserID: req.ActorUserID,
		ActorRole:   "SYSTEM",
		Action:      ActionInvestmentUnlocked,
		EntityType:  "wallet_lock",
		EntityID:    released.ID,
		Before:      map[string]any{"status": string(ledger.LockActive)},
		After:       map[string]any{"status": string(ledger.LockReleased), "amount": lock.Amount.String()},
	})
	s.finish(ctx, op, lock.Currency, lock.Amount)
	return op, released, nil
}

// RejectRequest reverses a blocked deposit after a compliance rejection.
type RejectRequest struct {
	TransactionID  string
	UserID         string
	Currency       string
	Amount         decimal.Decimal
	Reason         string
	ActorUserID    string
	IdempotencyKey string
}

// RejectDeposit appends the exact mirror reversal of the original deposit:
// the blocked compartment is debited and the omnibus account credited. The
// amount must still be covered by this transaction's own blocked deposits,
// net of earlier reversals and releases, so a reject can never consume
// blocked funds another transaction put there.
func (s *Service) RejectDeposit(ctx context.Context, req RejectRequest) (ledger.Operation, error) {
	currency, err := s.checkMovement(req.UserID, req.Currency, req.Amount)
	if err != nil {
		return ledger.Operation{}, err
	}
	if req.Reason == "" {
		return ledger.Operation{}, &ledger.ValidationError{Reason: "rejection reason is required"}
	}
	wallet, err := s.store.EnsureWalletAccounts(ctx, req.UserID, currency)
	if err != nil {
		return ledger.Operation{}, err
	}
	ops, err := s.store.OperationsByTransaction(ctx, req.TransactionID)
	if err != nil {
		return ledger.Operation{}, err
	}
	// A replayed key skips the precondition: the original reversal already
	// consumed the transaction's blocked deposit.
	if !hasOperationKey(ops, req.IdempotencyKey) {
		if !hasCompletedDeposit(ops) {
			return ledger.Operation{}, &ledger.ValidationError{
				Reason: fmt.Sprintf("transaction %s has no completed deposit to reject", req.TransactionID),
			}
		}
		remaining := transactionBlockedNet(ops, wallet[ledger.AccountWalletBlocked])
		if remaining.LessThan(req.Amount) {
			return ledger.Operation{}, &ledger.ValidationError{
				Reason: fmt.Sprintf("reject amount %s exceeds the transaction's remaining blocked deposit %s",
					req.Amount.String(), remaining.String()),
			}
		}
	}
	omnibus, err := s.store.GetOrCreateAccount(ctx, ledger.AccountKey{
		Type: ledger.AccountInternalOmnibus, Currency: currency,
	})
	if err != nil {
		return ledger.Operation{}, err
	}

	op, err := s.append(ctx, ledger.AppendRequest{
		Type:           ledger.OpReversalDeposit,
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       map[string]string{"user_id": req.UserID, "reason": req.Reason},
		Entries: []ledger.EntrySpec{
			{AccountID: wallet[ledger.AccountWalletBlocked], Amount: req.Amount.Neg(), Currency: currency},
			{AccountID: omnibus.ID, Amount: req.Amount, Currency: currency},
		},
		Guards: []ledger.BalanceGuard{
			{AccountID: wallet[ledger.AccountWalletBlocked], Min: req.Amount},
		},
	})
	if err != nil || op.Replayed {
		return op, err
	}

	s.writeAudit(ctx, audit.Record{
		ActorUserID: req.ActorUserID,
		ActorRole:   "COMPLIANCE",
		Action:      ActionDepositRejected,
		EntityType:  "transaction",
		EntityID:    req.TransactionID,
		Reason:      req.Reason,
		After: map[string]any{
			"user_id":  req.UserID,
			"currency": currency,
			"amount":   req.Amount.String(),
		},
	})
	s.finish(ctx, op, currency, req.Amount)
	return op, nil
}

// RecomputeTransactionStatus re-derives the transaction's status from its
// operations and persists it only when it changed.
func (s *Service) RecomputeTransactionStatus(ctx context.Context, transactionID string) (ledger.TransactionStatus, error) {
	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	ops, err := s.store.OperationsByTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	status := ledger.ComputeStatus(tx.Type, ops)
	if status != tx.Status {
		if err := s.store.SetTransactionStatus(ctx, transactionID, status); err != nil {
			return "", err
		}
	}
	return status, nil
}

// Store exposes the underlying ledger store for read endpoints.
func (s *Service) Store() ledger.Store { return s.store }

func (s *Service) checkMovement(userID, currency string, amount decimal.Decimal) (string, error) {
	if userID == "" {
		return "", &ledger.ValidationError{Reason: "user id is required"}
	}
	currency = ledger.NormalizeCurrency(currency)
	if !ledger.ValidCurrency(currency) {
		return "", &ledger.ValidationError{Reason: fmt.Sprintf("invalid currency code %q", currency)}
	}
	if !amount.IsPositive() {
		return "", &ledger.ValidationError{Reason: "amount must be positive"}
	}
	return currency, nil
}

// append routes the store call through shared metric accounting.
func (s *Service) append(ctx context.Context, req ledger.AppendRequest) (ledger.Operation, error) {
	op, err := s.store.AppendOperation(ctx, req)
	if err != nil {
		if ledger.IsInsufficientBalance(err) {
			obs.IncInsufficientBalance()
		}
		return op, err
	}
	if op.Replayed {
		obs.IncIdempotentReplay()
		return op, nil
	}
	obs.ObserveOperation(string(op.Type), string(op.Status))
	return op, nil
}

// finish runs the post-commit steps: invariant re-check, event publication
// and status recompute. Audit and invariant failures are deliberately
// decoupled from the financial write, which has already committed.
func (s *Service) finish(ctx context.Context, op ledger.Operation, currency string, amount decimal.Decimal) {
	if err := s.store.ValidateOperation(ctx, op.ID); err != nil {
		obs.IncInvariantViolation()
		obs.LogRequest(map[string]any{
			"level":        "error",
			"msg":          "ledger invariant violation",
			"operation_id": op.ID,
			"error":        err.Error(),
		})
	}
	if s.events != nil {
		s.events.Publish(stream.OperationEvent{
			OperationID:   op.ID,
			TransactionID: op.TransactionID,
			Type:          string(op.Type),
			Status:        string(op.Status),
			Currency:      currency,
			Amount:        amount.String(),
			Timestamp:     time.Now().UTC(),
		})
	}
	if op.TransactionID != "" {
		if _, err := s.RecomputeTransactionStatus(ctx, op.TransactionID); err != nil {
			obs.LogRequest(map[string]any{
				"level":          "error",
				"msg":            "status recompute failed",
				"transaction_id": op.TransactionID,
				"error":          err.Error(),
			})
		}
	}
}

func (s *Service) writeAudit(ctx context.Context, rec audit.Record) {
	if err := s.sink.Write(ctx, rec); err != nil {
		obs.IncAuditFailure()
		obs.LogRequest(map[string]any{
			"level":  "error",
			"msg":    "audit write failed",
			"action": rec.Action,
			"error":  err.Error(),
		})
	}
}

func hasCompletedDeposit(ops []ledger.Operation) bool {
	for _, op := range ops {
		if op.Type == ledger.OpDepositAED && op.Status == ledger.OperationCompleted {
			return true
		}
	}
	return false
}

// transactionBlockedNet sums the transaction's completed entries against the
// blocked compartment. Deposits add, reversals and releases subtract.
func transactionBlockedNet(ops []ledger.Operation, blockedAccountID string) decimal.Decimal {
	net := decimal.Zero
	for _, op := range ops {
		if op.Status != ledger.OperationCompleted {
			continue
		}
		for _, e := range op.Entries {
			if e.AccountID == blockedAccountID {
				net = net.Add(e.Amount)
			}
		}
	}
	return net
}

func hasOperationKey(ops []ledger.Operation, key string) bool {
	if key == "" {
		return false
	}
	for _, op := range ops {
		if op.IdempotencyKey == key {
			return true
		}
	}
	return false
}
