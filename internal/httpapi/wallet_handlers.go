package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"mahfaza.org/internal/actor"
	"mahfaza.org/internal/funds"
	"mahfaza.org/internal/ledger"
)

type bankDepositRequest struct {
	ExternalReference string `json:"external_reference"`
	UserID            string `json:"user_id"`
	Currency          string `json:"currency"`
	Amount            string `json:"amount"`
}

type investmentRequest struct {
	UserID         string `json:"user_id"`
	OfferID        string `json:"offer_id"`
	IntentID       string `json:"intent_id"`
	Currency       string `json:"currency"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type adminMovementRequest struct {
	Currency       string `json:"currency"`
	Amount         string `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type unlockRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type operationResponse struct {
	Transaction ledger.Transaction `json:"transaction"`
	Operation   ledger.Operation   `json:"operation"`
	Replayed    bool               `json:"replayed"`
}

// handleBankDeposit ingests the bank's deposit notification. Replays of the
// same external reference converge on one transaction and one operation.
func (a *API) handleBankDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req bankDepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.ExternalReference = strings.TrimSpace(req.ExternalReference)
	if req.ExternalReference == "" {
		writeError(w, r, http.StatusBadRequest, "external_reference is required")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := a.funds.Store().CreateTransaction(r.Context(), ledger.Transaction{
		UserID:            req.UserID,
		Type:              ledger.TxDeposit,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	op, err := a.funds.RecordDepositBlocked(r.Context(), funds.DepositRequest{
		UserID:         req.UserID,
		Currency:       req.Currency,
		Amount:         amount,
		TransactionID:  tx.ID,
		IdempotencyKey: "deposit:" + req.ExternalReference,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.respondMovement(w, r, tx.ID, op)
}

// handleInvestments locks available funds for an investment intent.
func (a *API) handleInvestments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req investmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.IntentID = strings.TrimSpace(req.IntentID)
	if req.IntentID == "" {
		writeError(w, r, http.StatusBadRequest, "intent_id is required")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem := idempotencyKey(r, req.IdempotencyKey)
	if idem == "" {
		idem = "invest:" + req.IntentID
	}

	tx, err := a.funds.Store().CreateTransaction(r.Context(), ledger.Transaction{
		UserID:            req.UserID,
		Type:              ledger.TxInvestment,
		ExternalReference: "invest:" + req.IntentID,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	op, lock, err := a.funds.LockFundsForInvestment(r.Context(), funds.LockRequest{
		UserID:         req.UserID,
		Currency:       req.Currency,
		Amount:         amount,
		TransactionID:  tx.ID,
		OfferID:        req.OfferID,
		IntentID:       req.IntentID,
		IdempotencyKey: idem,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	current, err := a.funds.Store().GetTransaction(r.Context(), tx.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	code := http.StatusCreated
	if op.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"transaction": current,
		"operation":   op,
		"lock":        lock,
		"replayed":    op.Replayed,
	})
}

// handleInvestmentResource routes /v1/investments/{intent}/unlock.
func (a *API) handleInvestmentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/investments/")
	intentID, ok := strings.CutSuffix(path, "/unlock")
	if !ok || intentID == "" || strings.Contains(intentID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req unlockRequest
	if err := decodeJSONOptional(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	lock, err := a.funds.Store().ActiveLockByIntent(r.Context(), intentID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	// The lock's intent maps back to the investment transaction created at
	// lock time.
	tx, err := a.funds.Store().CreateTransaction(r.Context(), ledger.Transaction{
		UserID:            lock.UserID,
		Type:              ledger.TxInvestment,
		ExternalReference: "invest:" + intentID,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	idem := idempotencyKey(r, req.IdempotencyKey)
	if idem == "" {
		idem = "unlock:" + intentID
	}

	var actorID string
	if act, ok := actor.FromContext(r.Context()); ok {
		actorID = act.UserID
	}
	op, released, err := a.funds.ReleaseInvestmentLock(r.Context(), funds.UnlockRequest{
		IntentID:       intentID,
		TransactionID:  tx.ID,
		IdempotencyKey: idem,
		ActorUserID:    actorID,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	current, err := a.funds.Store().GetTransaction(r.Context(), tx.ID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	code := http.StatusOK
	writeJSON(w, code, map[string]any{
		"transaction": current,
		"operation":   op,
		"lock":        released,
		"replayed":    op.Replayed,
	})
}

// handleAdminTransaction routes the compliance actions
// /v1/admin/transactions/{id}/release and /v1/admin/transactions/{id}/reject.
func (a *API) handleAdminTransaction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/transactions/")
	txID, action, ok := strings.Cut(path, "/")
	if !ok || txID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch action {
	case "release":
		a.releaseTransaction(w, r, txID)
	case "reject":
		a.rejectTransaction(w, r, txID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) releaseTransaction(w http.ResponseWriter, r *http.Request, txID string) {
	var req adminMovementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := a.funds.Store().GetTransaction(r.Context(), txID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	idem := idempotencyKey(r, req.IdempotencyKey)
	if idem == "" {
		idem = "release:" + txID
	}

	var actorID string
	if act, ok := actor.FromContext(r.Context()); ok {
		actorID = act.UserID
	}
	op, err := a.funds.ReleaseComplianceFunds(r.Context(), funds.ReleaseRequest{
		UserID:         tx.UserID,
		Currency:       req.Currency,
		Amount:         amount,
		TransactionID:  txID,
		IdempotencyKey: idem,
		ActorUserID:    actorID,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.respondMovement(w, r, txID, op)
}

func (a *API) rejectTransaction(w http.ResponseWriter, r *http.Request, txID string) {
	var req adminMovementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := a.funds.Store().GetTransaction(r.Context(), txID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	idem := idempotencyKey(r, req.IdempotencyKey)
	if idem == "" {
		idem = "reject:" + txID
	}

	var actorID string
	if act, ok := actor.FromContext(r.Context()); ok {
		actorID = act.UserID
	}
	op, err := a.funds.RejectDeposit(r.Context(), funds.RejectRequest{
		TransactionID:  txID,
		UserID:         tx.UserID,
		Currency:       req.Currency,
		Amount:         amount,
		Reason:         req.Reason,
		ActorUserID:    actorID,
		IdempotencyKey: idem,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.respondMovement(w, r, txID, op)
}

// handleUserResource routes /v1/users/{id}/wallet.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	userID, ok := strings.CutSuffix(path, "/wallet")
	if !ok || userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	currency := ledger.NormalizeCurrency(r.URL.Query().Get("currency"))
	if currency == "" {
		currency = "AED"
	}

	store := a.funds.Store()
	wallet, err := store.EnsureWalletAccounts(r.Context(), userID, currency)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	balances := make(map[string]string, 3)
	total := decimal.Zero
	for label, accType := range map[string]ledger.AccountType{
		"available": ledger.AccountWalletAvailable,
		"blocked":   ledger.AccountWalletBlocked,
		"locked":    ledger.AccountWalletLocked,
	} {
		bal, err := store.Balance(r.Context(), wallet[accType])
		if err != nil {
			handleLedgerError(w, r, err)
			return
		}
		balances[label] = bal.String()
		total = total.Add(bal)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"currency": currency,
		"balances": balances,
		"total":    total.String(),
	})
}

// handleTransactionResource routes GET /v1/transactions/{id}.
func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tx, err := a.funds.Store().GetTransaction(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	ops, err := a.funds.Store().OperationsByTransaction(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": tx,
		"operations":  ops,
	})
}

func (a *API) respondMovement(w http.ResponseWriter, r *http.Request, txID string, op ledger.Operation) {
	tx, err := a.funds.Store().GetTransaction(r.Context(), txID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	code := http.StatusCreated
	if op.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, operationResponse{
		Transaction: tx,
		Operation:   op,
		Replayed:    op.Replayed,
	})
}

// --- helpers ---

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, errors.New("amount is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.New("amount must be a decimal number")
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("amount must be > 0")
	}
	return amount, nil
}

// idempotencyKey reconciles the Idempotency-Key header with an optional
// body field; the header wins when both are present and equal.
func idempotencyKey(r *http.Request, bodyKey string) string {
	header := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	bodyKey = strings.TrimSpace(bodyKey)
	if header != "" {
		return header
	}
	return bodyKey
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeJSONOptional is decodeJSON for endpoints where an empty body is fine.
func decodeJSONOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	err := decodeJSON(w, r, dst)
	if err != nil && err.Error() == "request body is required" {
		return nil
	}
	return err
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case ledger.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &insufficient):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
