package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	"github.com/smallbiznis/fiscaldoc/internal/ledger/repository"
	"github.com/smallbiznis/fiscaldoc/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t, &ledgerdomain.Wallet{}, &ledgerdomain.LedgerTransaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clock.SystemClock{},
	}).(*Service)
	return svc, conn
}

func openWallet(t *testing.T, svc *Service, conn *gorm.DB, owner ledgerdomain.WalletOwner, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.OpenWalletTx(ctx, conn, owner)
	require.NoError(t, err)
	if balance > 0 {
		_, err = svc.Credit(ctx, ledgerdomain.CreditRequest{Owner: owner, Amount: balance, Description: "seed"})
		require.NoError(t, err)
	}
}

func TestOpenWalletIsIdempotent(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.CompanyWallet(10)

	first, err := svc.OpenWalletTx(ctx, conn, owner)
	require.NoError(t, err)
	second, err := svc.OpenWalletTx(ctx, conn, owner)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(0), second.Balance)
}

func TestDebitAndCreditRecordTransactions(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.UserWallet(7)
	openWallet(t, svc, conn, owner, 10)

	res, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
		Owner:         owner,
		Amount:        3,
		Description:   "analysis",
		ReferenceType: ledgerdomain.ReferenceDocument,
		ReferenceID:   "99",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Balance)

	balance, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)

	list, err := svc.ListTransactions(ctx, ledgerdomain.ListTransactionsRequest{Owner: owner})
	require.NoError(t, err)
	require.Len(t, list.Transactions, 2)

	var debit *ledgerdomain.LedgerTransaction
	for i := range list.Transactions {
		if list.Transactions[i].Kind == ledgerdomain.KindDebit {
			debit = &list.Transactions[i]
		}
	}
	require.NotNil(t, debit)
	assert.Equal(t, int64(-3), debit.Amount)
	assert.Equal(t, int64(7), debit.BalanceAfter)
	assert.Equal(t, "99", debit.ReferenceID)
}

func TestDebitInsufficientFundsLeavesBalance(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.CompanyWallet(1)
	openWallet(t, svc, conn, owner, 2)

	_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{Owner: owner, Amount: 5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledgerdomain.ErrInsufficientFunds))

	insufficient, ok := ledgerdomain.AsInsufficientFunds(err)
	require.True(t, ok)
	assert.Equal(t, int64(5), insufficient.Required)
	assert.Equal(t, int64(2), insufficient.Available)

	balance, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
}

func TestDebitValidation(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.CompanyWallet(1)
	openWallet(t, svc, conn, owner, 2)

	_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{Owner: owner, Amount: 0})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{Owner: owner, Amount: 1, Kind: ledgerdomain.KindBonus})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidKind)

	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{Owner: ledgerdomain.WalletOwner{Type: "BANK", ID: 1}, Amount: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOwner)

	_, err = svc.Debit(ctx, ledgerdomain.DebitRequest{Owner: ledgerdomain.UserWallet(404), Amount: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrWalletNotFound)

	_, err = svc.Credit(ctx, ledgerdomain.CreditRequest{Owner: ledgerdomain.UserWallet(404), Amount: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrWalletNotFound)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.CompanyWallet(3)

	const (
		balance = int64(10)
		amount  = int64(3)
		workers = 25
	)
	openWallet(t, svc, conn, owner, balance)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{Owner: owner, Amount: amount})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledgerdomain.ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int(balance/amount), succeeded)
	assert.Equal(t, workers-int(balance/amount), insufficient)

	final, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, balance%amount, final)

	var debits int64
	require.NoError(t, conn.Model(&ledgerdomain.LedgerTransaction{}).
		Where("kind = ?", ledgerdomain.KindDebit).
		Count(&debits).Error)
	assert.Equal(t, balance/amount, debits)
}

func TestDebitWaitsForWalletLockHolder(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.CompanyWallet(5)
	openWallet(t, svc, conn, owner, 10)

	locked := make(chan struct{})
	released := make(chan struct{})
	debitErr := make(chan error, 1)

	go func() {
		<-locked
		_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{Owner: owner, Amount: 5})
		select {
		case <-released:
		default:
			t.Error("debit finished while the wallet lock was held")
		}
		debitErr <- err
	}()

	err := svc.WithLock(ctx, owner, func(tx *gorm.DB, wallet *ledgerdomain.Wallet) error {
		if _, err := svc.DebitTx(ctx, tx, ledgerdomain.DebitRequest{Owner: owner, Amount: 7}); err != nil {
			return err
		}
		close(locked)
		time.Sleep(50 * time.Millisecond)
		close(released)
		return nil
	})
	require.NoError(t, err)

	err = <-debitErr
	insufficient, ok := ledgerdomain.AsInsufficientFunds(err)
	require.True(t, ok, "expected insufficient funds, got %v", err)
	assert.Equal(t, int64(5), insufficient.Required)
	assert.Equal(t, int64(3), insufficient.Available)

	final, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), final)
}

func TestWithLockRollsBackOnError(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.CompanyWallet(4)
	openWallet(t, svc, conn, owner, 10)

	boom := errors.New("boom")
	err := svc.WithLock(ctx, owner, func(tx *gorm.DB, wallet *ledgerdomain.Wallet) error {
		assert.Equal(t, int64(10), wallet.Balance)
		if _, err := svc.DebitTx(ctx, tx, ledgerdomain.DebitRequest{Owner: owner, Amount: 4}); err != nil {
			return err
		}
		if _, err := svc.CreditTx(ctx, tx, ledgerdomain.CreditRequest{Owner: owner, Amount: 1, Kind: ledgerdomain.KindBonus}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := svc.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	list, err := svc.ListTransactions(ctx, ledgerdomain.ListTransactionsRequest{Owner: owner})
	require.NoError(t, err)
	assert.Len(t, list.Transactions, 1)
}

func TestTransferMovesCredits(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	company := ledgerdomain.CompanyWallet(5)
	user := ledgerdomain.UserWallet(6)
	openWallet(t, svc, conn, company, 10)
	openWallet(t, svc, conn, user, 0)

	res, err := svc.Transfer(ctx, ledgerdomain.TransferRequest{From: company, To: user, Amount: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.From.Balance)
	assert.Equal(t, int64(4), res.To.Balance)

	_, err = svc.Transfer(ctx, ledgerdomain.TransferRequest{From: user, To: company, Amount: 5})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)

	_, err = svc.Transfer(ctx, ledgerdomain.TransferRequest{From: user, To: user, Amount: 1})
	assert.ErrorIs(t, err, ledgerdomain.ErrSameWallet)

	userBalance, err := svc.Balance(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(4), userBalance)
}

func TestSweepMovesEntireBalance(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	company := ledgerdomain.CompanyWallet(8)
	operator := ledgerdomain.OperatorWallet(1)
	openWallet(t, svc, conn, company, 37)
	openWallet(t, svc, conn, operator, 0)

	var moved int64
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		moved, err = svc.SweepTx(ctx, tx, company, operator, "company deleted", ledgerdomain.ReferenceCompany, "8")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(37), moved)

	companyBalance, err := svc.Balance(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, int64(0), companyBalance)
	operatorBalance, err := svc.Balance(ctx, operator)
	require.NoError(t, err)
	assert.Equal(t, int64(37), operatorBalance)

	err = conn.Transaction(func(tx *gorm.DB) error {
		var err error
		moved, err = svc.SweepTx(ctx, tx, company, operator, "company deleted", ledgerdomain.ReferenceCompany, "8")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), moved)
}

func TestListTransactionsPaginates(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	owner := ledgerdomain.UserWallet(9)
	openWallet(t, svc, conn, owner, 0)
	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, ledgerdomain.CreditRequest{Owner: owner, Amount: 1})
		require.NoError(t, err)
	}

	req := ledgerdomain.ListTransactionsRequest{Owner: owner}
	req.PageSize = 2
	page, err := svc.ListTransactions(ctx, req)
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	seen := map[snowflake.ID]bool{}
	for _, tx := range page.Transactions {
		seen[tx.ID] = true
	}
	total := len(page.Transactions)
	for page.HasMore {
		req.PageToken = page.NextPageToken
		page, err = svc.ListTransactions(ctx, req)
		require.NoError(t, err)
		for _, tx := range page.Transactions {
			assert.False(t, seen[tx.ID])
			seen[tx.ID] = true
		}
		total += len(page.Transactions)
	}
	assert.Equal(t, 5, total)

	req.PageToken = "not-a-token"
	_, err = svc.ListTransactions(ctx, req)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)
}
