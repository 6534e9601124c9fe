package ledger

// ComputeStatus derives the canonical status of a transaction from its
// operations. Pure and deterministic: it never consults the clock or any
// external state, so the result is re-derivable at any time. Rules are
// evaluated in precedence order; the first match wins, which makes FAILED
// and CANCELLED absorbing (no later rule can transition out of them).
func ComputeStatus(txType TransactionType, ops []Operation) TransactionStatus {
	switch txType {
	case TxDeposit:
		return depositStatus(ops)
	case TxInvestment:
		return investmentStatus(ops)
	case TxWithdrawal:
		return withdrawalStatus(ops)
	}
	return StatusInitiated
}

func depositStatus(ops []Operation) TransactionStatus {
	switch {
	case hasCompleted(ops, OpReversalDeposit):
		return StatusFailed
	case anyWithStatus(ops, OperationFailed):
		return StatusFailed
	case anyWithStatus(ops, OperationCancelled):
		return StatusCancelled
	case hasCompleted(ops, OpReleaseFunds):
		return StatusAvailable
	case hasCompleted(ops, OpDepositAED):
		return StatusComplianceReview
	}
	return StatusInitiated
}

func investmentStatus(ops []Operation) TransactionStatus {
	switch {
	case anyWithStatus(ops, OperationFailed):
		return StatusFailed
	case anyWithStatus(ops, OperationCancelled):
		return StatusCancelled
	case hasCompleted(ops, OpInvestExclusive):
		return StatusLocked
	}
	return StatusInitiated
}

func withdrawalStatus(ops []Operation) TransactionStatus {
	switch {
	case anyWithStatus(ops, OperationFailed):
		return StatusFailed
	case anyWithStatus(ops, OperationCancelled):
		return StatusCancelled
	}
	// TODO: map the payout-settlement operation to a terminal status once the
	// withdrawal rail defines one; until then withdrawals stay INITIATED.
	return StatusInitiated
}

func hasCompleted(ops []Operation, t OperationType) bool {
	for _, op := range ops {
		if op.Type == t && op.Status == OperationCompleted {
			return true
		}
	}
	return false
}

func anyWithStatus(ops []Operation, s OperationStatus) bool {
	for _, op := range ops {
		if op.Status == s {
			return true
		}
	}
	return false
}
