package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscaldoc/internal/clock"
	ledgerdomain "github.com/smallbiznis/fiscaldoc/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fiscaldoc/internal/observability/metrics"
	"github.com/smallbiznis/fiscaldoc/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) OpenWalletTx(ctx context.Context, tx *gorm.DB, owner ledgerdomain.WalletOwner) (*ledgerdomain.Wallet, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if err := s.repo.InsertWallet(ctx, tx, &ledgerdomain.Wallet{
		ID:        s.genID.Generate(),
		OwnerType: owner.Type,
		OwnerID:   owner.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	wallet, err := s.repo.FindWallet(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, ledgerdomain.ErrWalletNotFound
	}
	return wallet, nil
}

func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (ledgerdomain.Result, error) {
	var result ledgerdomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.DebitTx(ctx, tx, req)
		return err
	})
	return result, err
}

// DebitTx removes credits with a single conditional update, so two callers
// racing for the last credits can never both succeed.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.DebitRequest) (ledgerdomain.Result, error) {
	if err := req.Owner.Validate(); err != nil {
		return ledgerdomain.Result{}, err
	}
	if req.Amount <= 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAmount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindDebit
	}
	if !kind.Decrements() {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidKind
	}

	now := s.clock.Now()
	ok, err := s.repo.DecrementIfSufficient(ctx, tx, req.Owner, req.Amount, now)
	if err != nil {
		return ledgerdomain.Result{}, err
	}
	if !ok {
		wallet, err := s.repo.FindWallet(ctx, tx, req.Owner)
		if err != nil {
			return ledgerdomain.Result{}, err
		}
		if wallet == nil {
			return ledgerdomain.Result{}, ledgerdomain.ErrWalletNotFound
		}
		s.obsMetrics.RecordInsufficientFunds(ctx, string(req.Owner.Type), strings.ToLower(string(kind)))
		s.log.Info("insufficient funds",
			zap.String("owner", req.Owner.String()),
			zap.Int64("required", req.Amount),
			zap.Int64("available", wallet.Balance),
			zap.String("reference_type", req.ReferenceType),
			zap.String("reference_id", req.ReferenceID),
		)
		return ledgerdomain.Result{}, &ledgerdomain.InsufficientFundsError{
			Owner:     req.Owner,
			Required:  req.Amount,
			Available: wallet.Balance,
		}
	}

	return s.record(ctx, tx, req.Owner, kind, -req.Amount, req.Description, req.ReferenceType, req.ReferenceID, now)
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.Result, error) {
	var result ledgerdomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.CreditTx(ctx, tx, req)
		return err
	})
	return result, err
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.CreditRequest) (ledgerdomain.Result, error) {
	if err := req.Owner.Validate(); err != nil {
		return ledgerdomain.Result{}, err
	}
	if req.Amount <= 0 {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidAmount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindCredit
	}
	if !kind.Increments() {
		return ledgerdomain.Result{}, ledgerdomain.ErrInvalidKind
	}

	now := s.clock.Now()
	ok, err := s.repo.Increment(ctx, tx, req.Owner, req.Amount, now)
	if err != nil {
		return ledgerdomain.Result{}, err
	}
	if !ok {
		return ledgerdomain.Result{}, ledgerdomain.ErrWalletNotFound
	}

	return s.record(ctx, tx, req.Owner, kind, req.Amount, req.Description, req.ReferenceType, req.ReferenceID, now)
}

func (s *Service) record(
	ctx context.Context,
	tx *gorm.DB,
	owner ledgerdomain.WalletOwner,
	kind ledgerdomain.TransactionKind,
	signedAmount int64,
	description, referenceType, referenceID string,
	now time.Time,
) (ledgerdomain.Result, error) {
	wallet, err := s.repo.FindWallet(ctx, tx, owner)
	if err != nil {
		return ledgerdomain.Result{}, err
	}
	if wallet == nil {
		return ledgerdomain.Result{}, ledgerdomain.ErrWalletNotFound
	}

	entry := &ledgerdomain.LedgerTransaction{
		ID:            s.genID.Generate(),
		WalletID:      wallet.ID,
		OwnerType:     owner.Type,
		OwnerID:       owner.ID,
		Kind:          kind,
		Amount:        signedAmount,
		BalanceAfter:  wallet.Balance,
		Description:   strings.TrimSpace(description),
		ReferenceType: strings.TrimSpace(referenceType),
		ReferenceID:   strings.TrimSpace(referenceID),
		CreatedAt:     now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, entry); err != nil {
		return ledgerdomain.Result{}, err
	}

	s.obsMetrics.RecordLedgerMutation(ctx, string(kind), string(owner.Type))
	return ledgerdomain.Result{TransactionID: entry.ID, Balance: wallet.Balance}, nil
}

func (s *Service) WithLock(ctx context.Context, owner ledgerdomain.WalletOwner, fn ledgerdomain.LockedFunc) error {
	if err := owner.Validate(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.LockTx(ctx, tx, owner)
		if err != nil {
			return err
		}
		return fn(tx, wallet)
	})
}

func (s *Service) LockTx(ctx context.Context, tx *gorm.DB, owner ledgerdomain.WalletOwner) (*ledgerdomain.Wallet, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	wallet, err := s.repo.FindWalletForUpdate(ctx, tx, owner)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, ledgerdomain.ErrWalletNotFound
	}
	return wallet, nil
}

func (s *Service) Transfer(ctx context.Context, req ledgerdomain.TransferRequest) (ledgerdomain.TransferResult, error) {
	if err := req.From.Validate(); err != nil {
		return ledgerdomain.TransferResult{}, err
	}
	if err := req.To.Validate(); err != nil {
		return ledgerdomain.TransferResult{}, err
	}
	if req.From == req.To {
		return ledgerdomain.TransferResult{}, ledgerdomain.ErrSameWallet
	}
	if req.Amount <= 0 {
		return ledgerdomain.TransferResult{}, ledgerdomain.ErrInvalidAmount
	}

	first, second := req.From, req.To
	if second.Less(first) {
		first, second = second, first
	}

	var result ledgerdomain.TransferResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.LockTx(ctx, tx, first); err != nil {
			return err
		}
		if _, err := s.LockTx(ctx, tx, second); err != nil {
			return err
		}

		from, err := s.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
			Owner:         req.From,
			Amount:        req.Amount,
			Kind:          ledgerdomain.KindTransferOut,
			Description:   req.Description,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
		})
		if err != nil {
			return err
		}
		to, err := s.CreditTx(ctx, tx, ledgerdomain.CreditRequest{
			Owner:         req.To,
			Amount:        req.Amount,
			Kind:          ledgerdomain.KindTransferIn,
			Description:   req.Description,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
		})
		if err != nil {
			return err
		}
		result = ledgerdomain.TransferResult{From: from, To: to}
		return nil
	})
	return result, err
}

func (s *Service) SweepTx(ctx context.Context, tx *gorm.DB, from, to ledgerdomain.WalletOwner, description, referenceType, referenceID string) (int64, error) {
	if from == to {
		return 0, ledgerdomain.ErrSameWallet
	}

	first, second := from, to
	if second.Less(first) {
		first, second = second, first
	}
	locked := map[ledgerdomain.WalletOwner]*ledgerdomain.Wallet{}
	for _, owner := range []ledgerdomain.WalletOwner{first, second} {
		wallet, err := s.LockTx(ctx, tx, owner)
		if err != nil {
			return 0, err
		}
		locked[owner] = wallet
	}

	amount := locked[from].Balance
	if amount <= 0 {
		return 0, nil
	}

	if _, err := s.DebitTx(ctx, tx, ledgerdomain.DebitRequest{
		Owner:         from,
		Amount:        amount,
		Kind:          ledgerdomain.KindTransferOut,
		Description:   description,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
	}); err != nil {
		return 0, err
	}
	if _, err := s.CreditTx(ctx, tx, ledgerdomain.CreditRequest{
		Owner:         to,
		Amount:        amount,
		Kind:          ledgerdomain.KindTransferIn,
		Description:   description,
		ReferenceType: referenceType,
		ReferenceID:   referenceID,
	}); err != nil {
		return 0, err
	}

	s.log.Info("wallet swept",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int64("amount", amount),
	)
	return amount, nil
}

func (s *Service) Balance(ctx context.Context, owner ledgerdomain.WalletOwner) (int64, error) {
	if err := owner.Validate(); err != nil {
		return 0, err
	}
	wallet, err := s.repo.FindWallet(ctx, s.db, owner)
	if err != nil {
		return 0, err
	}
	if wallet == nil {
		return 0, ledgerdomain.ErrWalletNotFound
	}
	return wallet.Balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (ledgerdomain.ListTransactionsResponse, error) {
	if err := req.Owner.Validate(); err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	pageSize := pagination.Size(req.PageSize, pagination.DefaultPageSize)
	filter := ledgerdomain.ListFilter{
		Owner: req.Owner,
		Kind:  req.Kind,
		Limit: pageSize + 1,
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := decodeCursor(token)
		if err != nil {
			return ledgerdomain.ListTransactionsResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		filter.Cursor = cursor
	}

	items, err := s.repo.ListTransactions(ctx, s.db, filter)
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	items, pageInfo, err := pagination.Page(items, pageSize, func(t *ledgerdomain.LedgerTransaction) pagination.Cursor {
		return pagination.NewCursor(t.ID, t.CreatedAt)
	})
	if err != nil {
		return ledgerdomain.ListTransactionsResponse{}, err
	}

	transactions := make([]ledgerdomain.LedgerTransaction, 0, len(items))
	for _, item := range items {
		transactions = append(transactions, *item)
	}

	return ledgerdomain.ListTransactionsResponse{Transactions: transactions, PageInfo: pageInfo}, nil
}

func decodeCursor(token string) (*ledgerdomain.TransactionCursor, error) {
	id, createdAt, err := pagination.DecodePosition(token)
	if err != nil {
		return nil, err
	}
	return &ledgerdomain.TransactionCursor{ID: id, CreatedAt: createdAt}, nil
}
