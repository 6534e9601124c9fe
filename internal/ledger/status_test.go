package ledger

import "testing"

func op(t OperationType, s OperationStatus) Operation {
	return Operation{Type: t, Status: s}
}

func TestComputeStatusDeposit(t *testing.T) {
	cases := []struct {
		name string
		ops  []Operation
		want TransactionStatus
	}{
		{"no operations", nil, StatusInitiated},
		{"deposit pending", []Operation{op(OpDepositAED, OperationPending)}, StatusInitiated},
		{"deposit completed", []Operation{op(OpDepositAED, OperationCompleted)}, StatusComplianceReview},
		{"released", []Operation{
			op(OpDepositAED, OperationCompleted),
			op(OpReleaseFunds, OperationCompleted),
		}, StatusAvailable},
		{"rejected after release attempt", []Operation{
			op(OpDepositAED, OperationCompleted),
			op(OpReversalDeposit, OperationCompleted),
		}, StatusFailed},
		{"reversal wins over release", []Operation{
			op(OpDepositAED, OperationCompleted),
			op(OpReleaseFunds, OperationCompleted),
			op(OpReversalDeposit, OperationCompleted),
		}, StatusFailed},
		{"any failed operation", []Operation{
			op(OpDepositAED, OperationCompleted),
			op(OpReleaseFunds, OperationFailed),
		}, StatusFailed},
		{"any cancelled operation", []Operation{
			op(OpDepositAED, OperationCompleted),
			op(OpReleaseFunds, OperationCancelled),
		}, StatusCancelled},
		{"failed beats cancelled", []Operation{
			op(OpDepositAED, OperationFailed),
			op(OpReleaseFunds, OperationCancelled),
		}, StatusFailed},
	}
	for _, tc := range cases {
		if got := ComputeStatus(TxDeposit, tc.ops); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestComputeStatusInvestment(t *testing.T) {
	cases := []struct {
		name string
		ops  []Operation
		want TransactionStatus
	}{
		{"no operations", nil, StatusInitiated},
		{"lock pending", []Operation{op(OpInvestExclusive, OperationPending)}, StatusInitiated},
		{"locked", []Operation{op(OpInvestExclusive, OperationCompleted)}, StatusLocked},
		{"lock failed", []Operation{op(OpInvestExclusive, OperationFailed)}, StatusFailed},
		{"cancelled", []Operation{
			op(OpInvestExclusive, OperationCompleted),
			op(OpReversal, OperationCancelled),
		}, StatusCancelled},
	}
	for _, tc := range cases {
		if got := ComputeStatus(TxInvestment, tc.ops); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestComputeStatusWithdrawal(t *testing.T) {
	if got := ComputeStatus(TxWithdrawal, nil); got != StatusInitiated {
		t.Fatalf("empty withdrawal: got %s", got)
	}
	if got := ComputeStatus(TxWithdrawal, []Operation{op(OpAdjustment, OperationFailed)}); got != StatusFailed {
		t.Fatalf("failed withdrawal: got %s", got)
	}
}

func TestComputeStatusDeterministic(t *testing.T) {
	ops := []Operation{
		op(OpDepositAED, OperationCompleted),
		op(OpReleaseFunds, OperationCompleted),
	}
	first := ComputeStatus(TxDeposit, ops)
	for i := 0; i < 10; i++ {
		if got := ComputeStatus(TxDeposit, ops); got != first {
			t.Fatalf("status not stable: %s then %s", first, got)
		}
	}
}
