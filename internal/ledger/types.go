package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"mahfaza.org/internal/ids"
)

// AccountType identifies a bookkeeping bucket family. Wallet types are
// per-user compartments, pool types are scoped to a vault or offer, and the
// omnibus account is the single system-wide suspense bucket.
type AccountType string

const (
	AccountWalletAvailable AccountType = "WALLET_AVAILABLE"
	AccountWalletBlocked   AccountType = "WALLET_BLOCKED"
	AccountWalletLocked    AccountType = "WALLET_LOCKED"

	AccountInternalOmnibus AccountType = "INTERNAL_OMNIBUS"

	AccountVaultPoolCash    AccountType = "VAULT_POOL_CASH"
	AccountVaultPoolLocked  AccountType = "VAULT_POOL_LOCKED"
	AccountVaultPoolBlocked AccountType = "VAULT_POOL_BLOCKED"

	AccountOfferPoolAvailable AccountType = "OFFER_POOL_AVAILABLE"
	AccountOfferPoolLocked    AccountType = "OFFER_POOL_LOCKED"
	AccountOfferPoolBlocked   AccountType = "OFFER_POOL_BLOCKED"
)

// ScopeKind names which identifier an account type is scoped by.
type ScopeKind string

const (
	ScopeUser   ScopeKind = "user"
	ScopeVault  ScopeKind = "vault"
	ScopeOffer  ScopeKind = "offer"
	ScopeSystem ScopeKind = "system"
)

// Scope returns the scope an account type belongs to, or "" for unknown types.
func (t AccountType) Scope() ScopeKind {
	switch t {
	case AccountWalletAvailable, AccountWalletBlocked, AccountWalletLocked:
		return ScopeUser
	case AccountInternalOmnibus:
		return ScopeSystem
	case AccountVaultPoolCash, AccountVaultPoolLocked, AccountVaultPoolBlocked:
		return ScopeVault
	case AccountOfferPoolAvailable, AccountOfferPoolLocked, AccountOfferPoolBlocked:
		return ScopeOffer
	}
	return ""
}

// AccountKey is the natural key of an account. Exactly one of OwnerUserID,
// VaultID, OfferID is set, matching the scope of Type; at most one account
// exists per key.
type AccountKey struct {
	Type        AccountType `json:"account_type"`
	OwnerUserID string      `json:"owner_user_id,omitempty"`
	VaultID     string      `json:"vault_id,omitempty"`
	OfferID     string      `json:"offer_id,omitempty"`
	Currency    string      `json:"currency"`
}

// Account is immutable once created and never deleted. Its balance is never
// stored: it is always the sum of ledger entries referencing it.
type Account struct {
	ID string `json:"id"`
	AccountKey
	CreatedAt time.Time `json:"created_at"`
}

// OperationType is the business meaning of an atomic ledger posting.
type OperationType string

const (
	OpDepositAED      OperationType = "DEPOSIT_AED"
	OpInvestExclusive OperationType = "INVEST_EXCLUSIVE"
	OpReleaseFunds    OperationType = "RELEASE_FUNDS"
	OpReversalDeposit OperationType = "REVERSAL_DEPOSIT"
	OpAdjustment      OperationType = "ADJUSTMENT"
	OpReversal        OperationType = "REVERSAL"
)

// OperationStatus tracks an operation's lifecycle. A COMPLETED operation and
// its entries are frozen; corrections are new operations.
type OperationStatus string

const (
	OperationPending   OperationStatus = "PENDING"
	OperationCompleted OperationStatus = "COMPLETED"
	OperationFailed    OperationStatus = "FAILED"
	OperationCancelled OperationStatus = "CANCELLED"
)

// Operation groups balanced ledger entries into one atomic business action.
type Operation struct {
	ID             string            `json:"id"`
	TransactionID  string            `json:"transaction_id,omitempty"`
	Type           OperationType     `json:"type"`
	Status         OperationStatus   `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Entries        []LedgerEntry     `json:"entries,omitempty"`

	// Replayed reports that an idempotency key matched an existing operation
	// and nothing new was written. Not persisted.
	Replayed bool `json:"-"`
}

// EntryType tags the direction of a ledger entry. Amounts are signed:
// credits positive, debits negative.
type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// LedgerEntry is one signed financial movement against one account.
// Write-once: never updated, never deleted.
type LedgerEntry struct {
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Type        EntryType       `json:"entry_type"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TransactionType is the user-facing saga kind.
type TransactionType string

const (
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdrawal TransactionType = "WITHDRAWAL"
	TxInvestment TransactionType = "INVESTMENT"
)

// TransactionStatus is derived from the transaction's operations by
// ComputeStatus; the stored column is only a denormalized cache.
type TransactionStatus string

const (
	StatusInitiated        TransactionStatus = "INITIATED"
	StatusComplianceReview TransactionStatus = "COMPLIANCE_REVIEW"
	StatusAvailable        TransactionStatus = "AVAILABLE"
	StatusLocked           TransactionStatus = "LOCKED"
	StatusFailed           TransactionStatus = "FAILED"
	StatusCancelled        TransactionStatus = "CANCELLED"
)

// Transaction groups one or more operations into a user-facing saga.
type Transaction struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	Type              TransactionType   `json:"type"`
	Status            TransactionStatus `json:"status"`
	ExternalReference string            `json:"external_reference,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// LockReason records why funds sit in the locked compartment.
type LockReason string

const (
	LockReasonOfferInvest  LockReason = "OFFER_INVEST"
	LockReasonVaultVesting LockReason = "VAULT_AVENIR_VESTING"
)

// LockReferenceType names what a wallet lock points at.
type LockReferenceType string

const (
	LockRefOffer LockReferenceType = "OFFER"
	LockRefVault LockReferenceType = "VAULT"
)

// LockStatus is the wallet lock lifecycle. Locks transition ACTIVE to
// RELEASED and are never deleted.
type LockStatus string

const (
	LockActive   LockStatus = "ACTIVE"
	LockReleased LockStatus = "RELEASED"
)

// WalletLock is a metadata overlay over the locked compartment. It explains
// locked funds but is never consulted for balance computation.
type WalletLock struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Currency      string            `json:"currency"`
	Amount        decimal.Decimal   `json:"amount"`
	Reason        LockReason        `json:"reason"`
	ReferenceType LockReferenceType `json:"reference_type"`
	ReferenceID   string            `json:"reference_id"`
	Status        LockStatus        `json:"status"`
	IntentID      string            `json:"intent_id,omitempty"`
	OperationID   string            `json:"operation_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
}

func newID() string {
	return ids.New()
}
