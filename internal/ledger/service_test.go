package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type memStore struct {
	accounts map[string]*Account
	txns     map[string]*Transaction
	byRef    map[string]*Transaction
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*Account),
		txns:     make(map[string]*Transaction),
		byRef:    make(map[string]*Transaction),
	}
}

func (m *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range m.accounts {
		a := *v
		c.accounts[k] = &a
	}
	for k, v := range m.txns {
		t := *v
		c.txns[k] = &t
		c.byRef[t.Ref] = &t
	}
	return c
}

func (m *memStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	c := m.clone()
	if err := fn(c); err != nil {
		return err
	}
	m.accounts = c.accounts
	m.txns = c.txns
	m.byRef = c.byRef
	return nil
}

func (m *memStore) AccountByNumber(_ context.Context, number string) (*Account, error) {
	a, ok := m.accounts[number]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (m *memStore) SaveAccount(_ context.Context, a *Account) error {
	m.accounts[a.Number] = a
	return nil
}

func (m *memStore) TransactionByRef(_ context.Context, ref string) (*Transaction, error) {
	t, ok := m.byRef[ref]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return t, nil
}

func (m *memStore) TransactionByID(_ context.Context, id string) (*Transaction, error) {
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return t, nil
}

func (m *memStore) InsertTransaction(_ context.Context, t *Transaction) error {
	m.txns[t.ID] = t
	m.byRef[t.Ref] = t
	return nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	st := newMemStore()
	st.accounts["A"] = &Account{Number: "A", Owner: "alice", Balance: decimal.NewFromInt(100)}
	st.accounts["B"] = &Account{Number: "B", Owner: "bob", Balance: decimal.NewFromInt(50)}
	return NewService(st, zap.NewNop().Sugar()), st
}

func totalBalance(st *memStore) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range st.accounts {
		sum = sum.Add(a.Balance)
	}
	return sum
}

func TestTransferMovesMoneyOnce(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	res, err := svc.Transfer(ctx, "A", "B", decimal.NewFromInt(30), "ref-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if got := st.accounts["A"].Balance; !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("A balance = %s, want 70", got)
	}
	if got := st.accounts["B"].Balance; !got.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("B balance = %s, want 80", got)
	}

	// replay with the same ref must not move money again
	res2, err := svc.Transfer(ctx, "A", "B", decimal.NewFromInt(30), "ref-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res2.Success || res2.TxnID != res.TxnID {
		t.Fatalf("replay should return original outcome, got %+v", res2)
	}
	if got := st.accounts["A"].Balance; !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("replay moved money, A = %s", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	before := totalBalance(st)

	res, err := svc.Transfer(ctx, "A", "B", decimal.NewFromInt(500), "ref-big")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Message, "insufficient balance") {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if got := st.accounts["A"].Balance; !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance mutated on failure: %s", got)
	}

	// the failure itself is idempotent: same ref, same stored answer
	res2, err := svc.Transfer(ctx, "A", "B", decimal.NewFromInt(500), "ref-big")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res2.Success || res2.Message != res.Message || res2.TxnID != res.TxnID {
		t.Fatalf("failure replay mismatch: %+v vs %+v", res2, res)
	}
	if got := totalBalance(st); !got.Equal(before) {
		t.Fatalf("total balance drifted: %s != %s", got, before)
	}
}

func TestTransferValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Transfer(ctx, "A", "B", decimal.NewFromInt(-5), "ref-neg")
	if err != nil || res.Success {
		t.Fatalf("negative amount should fail: %+v, %v", res, err)
	}
	res, err = svc.Transfer(ctx, "A", "NOPE", decimal.NewFromInt(5), "ref-missing")
	if err != nil || res.Success {
		t.Fatalf("unknown account should fail: %+v, %v", res, err)
	}
}

func TestRefundRunsExactlyOnce(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	before := totalBalance(st)

	res, err := svc.Transfer(ctx, "A", "B", decimal.NewFromInt(40), "ref-r")
	if err != nil || !res.Success {
		t.Fatalf("transfer: %+v, %v", res, err)
	}

	ref1, err := svc.Refund(ctx, res.TxnID, "order cancelled")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !ref1.Success {
		t.Fatalf("refund failed: %q", ref1.Message)
	}
	if got := st.accounts["A"].Balance; !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("A balance after refund = %s, want 100", got)
	}

	// second refund must be a no-op answering with the stored row
	ref2, err := svc.Refund(ctx, res.TxnID, "again")
	if err != nil {
		t.Fatalf("refund replay: %v", err)
	}
	if !ref2.Success || ref2.RefundTxnID != ref1.RefundTxnID {
		t.Fatalf("refund replay mismatch: %+v vs %+v", ref2, ref1)
	}
	if got := st.accounts["A"].Balance; !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("second refund moved money: %s", got)
	}
	if got := totalBalance(st); !got.Equal(before) {
		t.Fatalf("total balance drifted: %s != %s", got, before)
	}
}

func TestRefundRejectsNonSuccessTransfer(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Transfer(ctx, "A", "B", decimal.NewFromInt(500), "ref-f")
	if err != nil || res.Success {
		t.Fatalf("setup transfer: %+v, %v", res, err)
	}
	ref, err := svc.Refund(ctx, res.TxnID, "why not")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if ref.Success {
		t.Fatal("refunding a FAILED transfer must be rejected")
	}
}
