package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"mahfaza.org/internal/ids"
	"mahfaza.org/internal/ledger"
)

// Store is the Postgres implementation of ledger.Store. Cross-request
// consistency is delegated entirely to the database: serializable append
// transactions (rerun on serialization aborts), FOR UPDATE row locks for
// balance guards, and unique constraints for idempotency keys and account
// tuples.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const accountColumns = `id, account_type, owner_user_id, vault_id, offer_id, currency, created_at`

func (s *Store) GetOrCreateAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error) {
	key.Currency = ledger.NormalizeCurrency(key.Currency)
	if err := ledger.ValidateAccountKey(key); err != nil {
		return ledger.Account{}, err
	}
	// Insert-then-reselect: concurrent first use races on the unique tuple
	// index and both callers converge on the winning row.
	if _, err := s.db.ExecContext(ctx, `
		insert into accounts(id, account_type, owner_user_id, vault_id, offer_id, currency, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (account_type, owner_user_id, vault_id, offer_id, currency) do nothing
	`, ids.New(), key.Type, key.OwnerUserID, key.VaultID, key.OfferID, key.Currency, time.Now().UTC()); err != nil {
		return ledger.Account{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		select `+accountColumns+` from accounts
		where account_type=$1 and owner_user_id=$2 and vault_id=$3 and offer_id=$4 and currency=$5
	`, key.Type, key.OwnerUserID, key.VaultID, key.OfferID, key.Currency)
	return scanAccount(row)
}

func (s *Store) EnsureWalletAccounts(ctx context.Context, userID, currency string) (map[ledger.AccountType]string, error) {
	if userID == "" {
		return nil, &ledger.ValidationError{Reason: "user id is required"}
	}
	out := make(map[ledger.AccountType]string, 3)
	for _, t := range []ledger.AccountType{
		ledger.AccountWalletAvailable, ledger.AccountWalletBlocked, ledger.AccountWalletLocked,
	} {
		acc, err := s.GetOrCreateAccount(ctx, ledger.AccountKey{Type: t, OwnerUserID: userID, Currency: currency})
		if err != nil {
			return nil, err
		}
		out[t] = acc.ID
	}
	return out, nil
}

func (s *Store) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(e.amount), 0)
		from accounts a
		left join ledger_entries e on e.account_id = a.id
		where a.id = $1
		group by a.id
	`, accountID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ledger.ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// maxAppendAttempts bounds the reruns of a serializable append transaction.
const maxAppendAttempts = 3

func (s *Store) AppendOperation(ctx context.Context, req ledger.AppendRequest) (ledger.Operation, error) {
	if err := ledger.ValidateAppend(req); err != nil {
		return ledger.Operation{}, err
	}

	var op ledger.Operation
	var err error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		op, err = s.appendOnce(ctx, req)
		// A concurrent commit invalidating our snapshot aborts the
		// transaction with 40001; nothing was written, rerun it.
		if !isSerializationFailure(err) {
			break
		}
	}
	if isUniqueViolation(err) && req.IdempotencyKey != "" {
		// Lost the race on the idempotency key: the winner's row is
		// committed, return it as a replay.
		existing, found, lookupErr := s.operationByKey(ctx, s.db, req.IdempotencyKey)
		if lookupErr != nil {
			return ledger.Operation{}, lookupErr
		}
		if found {
			if existing.Type != req.Type {
				return ledger.Operation{}, &ledger.ValidationError{
					Reason: "idempotency key already used by operation type " + string(existing.Type),
				}
			}
			existing.Replayed = true
			return existing, nil
		}
	}
	return op, err
}

func (s *Store) appendOnce(ctx context.Context, req ledger.AppendRequest) (ledger.Operation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Operation{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if req.IdempotencyKey != "" {
		existing, found, err := s.operationByKey(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return ledger.Operation{}, err
		}
		if found {
			if existing.Type != req.Type {
				return ledger.Operation{}, &ledger.ValidationError{
					Reason: "idempotency key already used by operation type " + string(existing.Type),
				}
			}
			existing.Replayed = true
			return existing, nil
		}
	}

	// Lock every touched account in stable order to avoid deadlocks, and
	// check entry currencies against the locked rows while at it.
	currencies := make(map[string]string)
	for _, id := range touchedAccounts(req) {
		var currency string
		if err := tx.QueryRowContext(ctx, `select currency from accounts where id=$1 for update`, id).Scan(&currency); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ledger.Operation{}, ledger.ErrNotFound
			}
			return ledger.Operation{}, err
		}
		currencies[id] = currency
	}
	for _, e := range req.Entries {
		if currencies[e.AccountID] != e.Currency {
			return ledger.Operation{}, &ledger.ValidationError{
				Reason: "entry currency " + e.Currency + " does not match account currency " + currencies[e.AccountID],
			}
		}
	}

	// Balance guards run against the locked rows, atomically with the
	// inserts below: two concurrent movements cannot both pass and overdraw.
	for _, g := range req.Guards {
		var raw string
		if err := tx.QueryRowContext(ctx, `
			select coalesce(sum(amount), 0) from ledger_entries where account_id=$1
		`, g.AccountID).Scan(&raw); err != nil {
			return ledger.Operation{}, err
		}
		bal, err := decimal.NewFromString(raw)
		if err != nil {
			return ledger.Operation{}, err
		}
		if bal.LessThan(g.Min) {
			return ledger.Operation{}, &ledger.InsufficientBalanceError{
				AccountID: g.AccountID, Requested: g.Min, Available: bal,
			}
		}
	}

	status := ledger.OperationCompleted
	if req.Pending {
		status = ledger.OperationPending
	}
	now := time.Now().UTC()
	op := ledger.Operation{
		ID:             ids.New(),
		TransactionID:  req.TransactionID,
		Type:           req.Type,
		Status:         status,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}
	meta, err := marshalMeta(req.Metadata)
	if err != nil {
		return ledger.Operation{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into operations(id, transaction_id, op_type, status, idempotency_key, metadata, created_at)
		values ($1, nullif($2,''), $3, $4, nullif($5,''), $6, $7)
	`, op.ID, op.TransactionID, op.Type, op.Status, op.IdempotencyKey, meta, now); err != nil {
		return ledger.Operation{}, err
	}
	for _, e := range req.Entries {
		entry := ledger.LedgerEntry{
			ID:          ids.New(),
			OperationID: op.ID,
			AccountID:   e.AccountID,
			Amount:      e.Amount,
			Currency:    e.Currency,
			Type:        ledger.EntryTypeFor(e.Amount),
			CreatedAt:   now,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into ledger_entries(id, operation_id, account_id, amount, currency, entry_type, created_at)
			values ($1,$2,$3,$4,$5,$6,$7)
		`, entry.ID, entry.OperationID, entry.AccountID, entry.Amount.String(), entry.Currency, entry.Type, now); err != nil {
			return ledger.Operation{}, err
		}
		op.Entries = append(op.Entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Operation{}, err
	}
	return op, nil
}

func (s *Store) ValidateOperation(ctx context.Context, operationID string) error {
	rows, err := s.db.QueryContext(ctx, `
		select currency, sum(amount) from ledger_entries where operation_id=$1 group by currency
	`, operationID)
	if err != nil {
		return err
	}
	defer rows.Close()
	seen := false
	for rows.Next() {
		seen = true
		var currency, raw string
		if err := rows.Scan(&currency, &raw); err != nil {
			return err
		}
		sum, err := decimal.NewFromString(raw)
		if err != nil {
			return err
		}
		if !sum.IsZero() {
			return ledger.ErrInvariantViolation
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !seen {
		return ledger.ErrNotFound
	}
	return nil
}

const txColumns = `id, user_id, tx_type, status, external_reference, metadata, created_at, updated_at`

func (s *Store) CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.UserID == "" {
		return ledger.Transaction{}, &ledger.ValidationError{Reason: "user id is required"}
	}
	switch tx.Type {
	case ledger.TxDeposit, ledger.TxWithdrawal, ledger.TxInvestment:
	default:
		return ledger.Transaction{}, &ledger.ValidationError{Reason: "unknown transaction type " + string(tx.Type)}
	}
	meta, err := marshalMeta(tx.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	now := time.Now().UTC()
	id := ids.New()
	if tx.ExternalReference != "" {
		// Webhook replays collide on external_reference; every caller gets
		// the winning row. The arbiter is a partial unique index, so the
		// conflict target must repeat its predicate.
		if _, err := s.db.ExecContext(ctx, `
			insert into transactions(id, user_id, tx_type, status, external_reference, metadata, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$7)
			on conflict (external_reference) where external_reference is not null do nothing
		`, id, tx.UserID, tx.Type, ledger.StatusInitiated, tx.ExternalReference, meta, now); err != nil {
			return ledger.Transaction{}, err
		}
		row := s.db.QueryRowContext(ctx, `
			select `+txColumns+` from transactions where external_reference=$1
		`, tx.ExternalReference)
		return scanTransaction(row)
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into transactions(id, user_id, tx_type, status, external_reference, metadata, created_at, updated_at)
		values ($1,$2,$3,$4,null,$5,$6,$6)
	`, id, tx.UserID, tx.Type, ledger.StatusInitiated, meta, now); err != nil {
		return ledger.Transaction{}, err
	}
	row := s.db.QueryRowContext(ctx, `select `+txColumns+` from transactions where id=$1`, id)
	return scanTransaction(row)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `select `+txColumns+` from transactions where id=$1`, id)
	return scanTransaction(row)
}

func (s *Store) SetTransactionStatus(ctx context.Context, id string, status ledger.TransactionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update transactions set status=$2, updated_at=$3 where id=$1
	`, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) OperationsByTransaction(ctx context.Context, transactionID string) ([]ledger.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(transaction_id,''), op_type, status, coalesce(idempotency_key,''), metadata, created_at
		from operations where transaction_id=$1 order by created_at asc, id asc
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []ledger.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range ops {
		entries, err := s.entriesByOperation(ctx, s.db, ops[i].ID)
		if err != nil {
			return nil, err
		}
		ops[i].Entries = entries
	}
	return ops, nil
}

const lockColumns = `id, user_id, currency, amount, reason, reference_type, reference_id, status, coalesce(intent_id,''), coalesce(operation_id,''), created_at, released_at`

func (s *Store) CreateWalletLock(ctx context.Context, lock ledger.WalletLock) (ledger.WalletLock, error) {
	if lock.IntentID == "" {
		return ledger.WalletLock{}, &ledger.ValidationError{Reason: "lock intent id is required"}
	}
	// The partial unique index on (intent_id) where status='ACTIVE' enforces
	// at most one active lock per intent.
	if _, err := s.db.ExecContext(ctx, `
		insert into wallet_locks(id, user_id, currency, amount, reason, reference_type, reference_id, status, intent_id, operation_id, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''),$11)
		on conflict (intent_id) where status='ACTIVE' do nothing
	`, ids.New(), lock.UserID, lock.Currency, lock.Amount.String(), lock.Reason, lock.ReferenceType,
		lock.ReferenceID, ledger.LockActive, lock.IntentID, lock.OperationID, time.Now().UTC()); err != nil {
		return ledger.WalletLock{}, err
	}
	return s.ActiveLockByIntent(ctx, lock.IntentID)
}

func (s *Store) ReleaseWalletLock(ctx context.Context, intentID string) (ledger.WalletLock, error) {
	if _, err := s.db.ExecContext(ctx, `
		update wallet_locks set status=$2, released_at=$3 where intent_id=$1 and status=$4
	`, intentID, ledger.LockReleased, time.Now().UTC(), ledger.LockActive); err != nil {
		return ledger.WalletLock{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		select `+lockColumns+` from wallet_locks
		where intent_id=$1 order by created_at desc limit 1
	`, intentID)
	return scanLock(row)
}

func (s *Store) ActiveLockByIntent(ctx context.Context, intentID string) (ledger.WalletLock, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+lockColumns+` from wallet_locks where intent_id=$1 and status=$2
	`, intentID, ledger.LockActive)
	return scanLock(row)
}

// --- helpers ---

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) operationByKey(ctx context.Context, q queryer, key string) (ledger.Operation, bool, error) {
	row := q.QueryRowContext(ctx, `
		select id, coalesce(transaction_id,''), op_type, status, coalesce(idempotency_key,''), metadata, created_at
		from operations where idempotency_key=$1
	`, key)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Operation{}, false, nil
	}
	if err != nil {
		return ledger.Operation{}, false, err
	}
	entries, err := s.entriesByOperation(ctx, q, op.ID)
	if err != nil {
		return ledger.Operation{}, false, err
	}
	op.Entries = entries
	return op, true, nil
}

func (s *Store) entriesByOperation(ctx context.Context, q queryer, operationID string) ([]ledger.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		select id, operation_id, account_id, amount, currency, entry_type, created_at
		from ledger_entries where operation_id=$1 order by id asc
	`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var e ledger.LedgerEntry
		var raw string
		if err := rows.Scan(&e.ID, &e.OperationID, &e.AccountID, &raw, &e.Currency, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(raw); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var acc ledger.Account
	err := row.Scan(&acc.ID, &acc.Type, &acc.OwnerUserID, &acc.VaultID, &acc.OfferID, &acc.Currency, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func scanOperation(row rowScanner) (ledger.Operation, error) {
	var op ledger.Operation
	var meta []byte
	if err := row.Scan(&op.ID, &op.TransactionID, &op.Type, &op.Status, &op.IdempotencyKey, &meta, &op.CreatedAt); err != nil {
		return ledger.Operation{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &op.Metadata); err != nil {
			return ledger.Operation{}, err
		}
	}
	return op, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var tx ledger.Transaction
	var ref sql.NullString
	var meta []byte
	err := row.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.Status, &ref, &meta, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if ref.Valid {
		tx.ExternalReference = ref.String
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &tx.Metadata); err != nil {
			return ledger.Transaction{}, err
		}
	}
	return tx, nil
}

func scanLock(row rowScanner) (ledger.WalletLock, error) {
	var lock ledger.WalletLock
	var raw string
	var released sql.NullTime
	err := row.Scan(&lock.ID, &lock.UserID, &lock.Currency, &raw, &lock.Reason, &lock.ReferenceType,
		&lock.ReferenceID, &lock.Status, &lock.IntentID, &lock.OperationID, &lock.CreatedAt, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WalletLock{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.WalletLock{}, err
	}
	if lock.Amount, err = decimal.NewFromString(raw); err != nil {
		return ledger.WalletLock{}, err
	}
	if released.Valid {
		t := released.Time
		lock.ReleasedAt = &t
	}
	return lock, nil
}

func marshalMeta(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// touchedAccounts returns the deduplicated, sorted set of account ids an
// append will lock.
func touchedAccounts(req ledger.AppendRequest) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, e := range req.Entries {
		add(e.AccountID)
	}
	for _, g := range req.Guards {
		add(g.AccountID)
	}
	sort.Strings(out)
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
