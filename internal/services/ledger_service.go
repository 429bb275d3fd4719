package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/orderpay/backend/internal/audit"
	"github.com/orderpay/backend/internal/cache"
	"github.com/orderpay/backend/internal/config"
	"github.com/orderpay/backend/internal/database"
	"github.com/orderpay/backend/internal/models"
	"github.com/orderpay/backend/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	accountColumns     = `id, user_id, balance, version, created_at, updated_at`
	transactionColumns = `id, account_id, type, amount, balance_after, order_id, idempotency_key, description, created_at`

	accountsUserIDConstraint       = "accounts_user_id_key"
	transactionsIdempotencyKeyName = "transactions_idempotency_key_key"

	defaultTransactionsLimit = 50
	maxTransactionsLimit     = 100
)

// errChargeRace means a concurrent charge with the same idempotency key
// committed first. The charge is replayed and resolves to that one.
var errChargeRace = errors.New("concurrent charge with same idempotency key")

type TopUpRequest struct {
	UserID string          `json:"userId" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

type ChargeRequest struct {
	UserID         string          `json:"userId" validate:"required"`
	OrderID        string          `json:"orderId" validate:"required"`
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"required"`
}

type CreateAccountResult struct {
	Result
	AccountID string `json:"accountId,omitempty"`
}

type TopUpResult struct {
	Result
	NewBalance decimal.Decimal `json:"newBalance"`
}

type BalanceResult struct {
	Result
	Balance   decimal.Decimal `json:"balance"`
	AccountID string          `json:"accountId,omitempty"`
}

type ChargeResult struct {
	Result
	RemainingBalance decimal.Decimal `json:"remainingBalance"`
	TransactionID    string          `json:"transactionId,omitempty"`
}

type TransactionsResult struct {
	Result
	Transactions []models.Transaction `json:"transactions"`
}

// LedgerService owns account balances. Balance changes use optimistic
// locking on accounts.version and are retried on conflict.
type LedgerService struct {
	db          *sql.DB
	cache       *cache.Store
	audit       *audit.Logger
	log         *logrus.Logger
	validator   *ValidationHelper
	maxAttempts int
	accountTTL  time.Duration
	now         func() time.Time
}

func NewLedgerService(db *sql.DB, store *cache.Store, auditLog *audit.Logger, cfg *config.Config, log *logrus.Logger) *LedgerService {
	attempts := cfg.Ledger.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &LedgerService{
		db:          db,
		cache:       store,
		audit:       auditLog,
		log:         log,
		validator:   NewValidationHelper(),
		maxAttempts: attempts,
		accountTTL:  cfg.Cache.AccountTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateAccount opens a zero-balance account. A user has at most one; for
// an existing account the result fails and carries its id.
func (s *LedgerService) CreateAccount(ctx context.Context, userID string) (CreateAccountResult, error) {
	if userID == "" {
		return CreateAccountResult{}, invalid("userId", "is required")
	}

	existing, err := s.accountByUser(ctx, s.db, userID)
	if err == nil {
		return CreateAccountResult{Result: failed("account already exists"), AccountID: existing.ID}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return CreateAccountResult{}, err
	}

	id := uuid.New().String()
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, $4)
	`, id, userID, now, now)
	if database.IsUniqueViolation(err, accountsUserIDConstraint) {
		existing, err := s.accountByUser(ctx, s.db, userID)
		if err != nil {
			return CreateAccountResult{}, err
		}
		return CreateAccountResult{Result: failed("account already exists"), AccountID: existing.ID}, nil
	}
	if err != nil {
		return CreateAccountResult{}, fmt.Errorf("failed to create account: %w", err)
	}

	s.cache.Delete(ctx, cache.AccountKey(userID))
	s.log.WithFields(logrus.Fields{"user_id": userID, "account_id": id}).Info("account created")
	return CreateAccountResult{Result: succeeded("account created"), AccountID: id}, nil
}

// TopUp credits the user's account.
func (s *LedgerService) TopUp(ctx context.Context, req TopUpRequest) (TopUpResult, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return TopUpResult{}, err
	}
	if err := checkMoney("amount", req.Amount); err != nil {
		return TopUpResult{}, err
	}

	var result TopUpResult
	err := s.withRetry(ctx, "topup", func() error {
		var err error
		result, err = s.topUpOnce(ctx, req)
		return err
	})
	if err != nil {
		return TopUpResult{}, err
	}
	return result, nil
}

func (s *LedgerService) topUpOnce(ctx context.Context, req TopUpRequest) (TopUpResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TopUpResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := s.accountByUser(ctx, tx, req.UserID)
	if errors.Is(err, ErrNotFound) {
		return TopUpResult{Result: failed("account not found")}, nil
	}
	if err != nil {
		return TopUpResult{}, err
	}

	newBalance := account.Balance.Add(req.Amount)
	now := s.now()
	if err := s.updateAccountBalance(ctx, tx, account, newBalance, now); err != nil {
		return TopUpResult{}, err
	}

	record := &models.Transaction{
		ID:           uuid.New().String(),
		AccountID:    account.ID,
		Type:         models.TransactionTopUp,
		Amount:       req.Amount,
		BalanceAfter: newBalance,
		Description:  "account top-up",
		CreatedAt:    now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		return TopUpResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return TopUpResult{}, fmt.Errorf("failed to commit top-up: %w", err)
	}

	s.refreshAccount(ctx, account, newBalance, now)
	s.audit.LogTopUp(record.ID, account.ID, req.Amount, newBalance)
	s.log.WithFields(logrus.Fields{
		"user_id":     req.UserID,
		"new_balance": newBalance.String(),
	}).Info("account topped up")

	return TopUpResult{Result: succeeded("account topped up"), NewBalance: newBalance}, nil
}

// Charge debits the user's account for an order. It is idempotent on
// IdempotencyKey: a repeated request returns the original transaction
// without debiting again. Every first-time outcome, success or business
// failure, is reported to the orders service through the outbox.
func (s *LedgerService) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return ChargeResult{}, err
	}
	if err := checkMoney("amount", req.Amount); err != nil {
		return ChargeResult{}, err
	}

	var result ChargeResult
	err := s.withRetry(ctx, "charge", func() error {
		replayed, found, err := s.findCharge(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			result = replayed
			return nil
		}
		result, err = s.chargeOnce(ctx, req)
		return err
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return result, nil
}

func (s *LedgerService) findCharge(ctx context.Context, key string) (ChargeResult, bool, error) {
	var txID string
	var balance decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, a.balance
		FROM transactions t JOIN accounts a ON a.id = t.account_id
		WHERE t.idempotency_key = $1
	`, key).Scan(&txID, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ChargeResult{}, false, nil
	}
	if err != nil {
		return ChargeResult{}, false, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	s.log.WithField("idempotency_key", key).Info("charge already processed")
	return ChargeResult{
		Result:           succeeded("transaction already processed"),
		RemainingBalance: balance,
		TransactionID:    txID,
	}, true, nil
}

func (s *LedgerService) chargeOnce(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	account, err := s.accountByUser(ctx, tx, req.UserID)
	if errors.Is(err, ErrNotFound) {
		return s.rejectCharge(ctx, tx, req, "", "account not found")
	}
	if err != nil {
		return ChargeResult{}, err
	}

	if account.Balance.LessThan(req.Amount) {
		return s.rejectCharge(ctx, tx, req, account.ID, ErrInsufficientFunds.Error())
	}

	newBalance := account.Balance.Sub(req.Amount)
	now := s.now()
	if err := s.updateAccountBalance(ctx, tx, account, newBalance, now); err != nil {
		return ChargeResult{}, err
	}

	orderID := req.OrderID
	key := req.IdempotencyKey
	record := &models.Transaction{
		ID:             uuid.New().String(),
		AccountID:      account.ID,
		Type:           models.TransactionCharge,
		Amount:         req.Amount,
		BalanceAfter:   newBalance,
		OrderID:        &orderID,
		IdempotencyKey: &key,
		Description:    "payment for order " + req.OrderID,
		CreatedAt:      now,
	}
	if err := s.insertTransaction(ctx, tx, record); err != nil {
		if database.IsUniqueViolation(err, transactionsIdempotencyKeyName) {
			return ChargeResult{}, errChargeRace
		}
		return ChargeResult{}, err
	}

	if _, err := outbox.Append(ctx, tx, models.EventPaymentProcessed, paymentEvent(req, true, &record.ID, nil, now)); err != nil {
		return ChargeResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChargeResult{}, fmt.Errorf("failed to commit charge: %w", err)
	}

	s.refreshAccount(ctx, account, newBalance, now)
	s.audit.LogCharge(record.ID, account.ID, req.OrderID, req.Amount, newBalance)
	s.log.WithFields(logrus.Fields{
		"user_id":        req.UserID,
		"order_id":       req.OrderID,
		"transaction_id": record.ID,
	}).Info("charge completed")

	return ChargeResult{
		Result:           succeeded("charge completed"),
		RemainingBalance: newBalance,
		TransactionID:    record.ID,
	}, nil
}

// rejectCharge commits a failed PaymentProcessed event so the order learns
// the outcome, and reports the failure to the caller.
func (s *LedgerService) rejectCharge(ctx context.Context, tx *sql.Tx, req ChargeRequest, accountID, reason string) (ChargeResult, error) {
	if _, err := outbox.Append(ctx, tx, models.EventPaymentProcessed, paymentEvent(req, false, nil, &reason, s.now())); err != nil {
		return ChargeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChargeResult{}, fmt.Errorf("failed to commit rejected charge: %w", err)
	}

	s.audit.LogRejected(accountID, req.OrderID, req.Amount, reason)
	s.log.WithFields(logrus.Fields{
		"user_id":  req.UserID,
		"order_id": req.OrderID,
		"reason":   reason,
	}).Warn("charge rejected")
	return ChargeResult{Result: failed(reason)}, nil
}

func paymentEvent(req ChargeRequest, success bool, transactionID, errorMessage *string, at time.Time) models.PaymentProcessedEvent {
	return models.PaymentProcessedEvent{
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Success:        success,
		TransactionID:  transactionID,
		ErrorMessage:   errorMessage,
		ProcessedAt:    at,
		IdempotencyKey: req.IdempotencyKey,
	}
}

// GetBalance reads through the account cache.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (BalanceResult, error) {
	if userID == "" {
		return BalanceResult{}, invalid("userId", "is required")
	}

	key := cache.AccountKey(userID)
	var snap models.AccountSnapshot
	if s.cache.GetJSON(ctx, key, &snap) && snap.Valid() {
		return BalanceResult{Result: succeeded("balance retrieved"), Balance: snap.Balance, AccountID: snap.AccountID}, nil
	}

	account, err := s.accountByUser(ctx, s.db, userID)
	if errors.Is(err, ErrNotFound) {
		return BalanceResult{Result: failed("account not found")}, nil
	}
	if err != nil {
		return BalanceResult{}, err
	}

	s.cache.SetIfNewer(ctx, key, models.NewAccountSnapshot(account), int64(account.Version), s.accountTTL)
	return BalanceResult{Result: succeeded("balance retrieved"), Balance: account.Balance, AccountID: account.ID}, nil
}

// ListTransactions returns the newest ledger entries of the user's account.
// A zero limit selects the default page size.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, limit int) (TransactionsResult, error) {
	if userID == "" {
		return TransactionsResult{}, invalid("userId", "is required")
	}
	if limit < 0 {
		return TransactionsResult{}, invalid("limit", "must not be negative")
	}
	if limit == 0 {
		limit = defaultTransactionsLimit
	}
	if limit > maxTransactionsLimit {
		limit = maxTransactionsLimit
	}

	account, err := s.accountByUser(ctx, s.db, userID)
	if errors.Is(err, ErrNotFound) {
		return TransactionsResult{Result: failed("account not found")}, nil
	}
	if err != nil {
		return TransactionsResult{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, account.ID, limit)
	if err != nil {
		return TransactionsResult{}, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		var orderID, key sql.NullString
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceAfter,
			&orderID, &key, &t.Description, &t.CreatedAt); err != nil {
			return TransactionsResult{}, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if orderID.Valid {
			t.OrderID = &orderID.String
		}
		if key.Valid {
			t.IdempotencyKey = &key.String
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return TransactionsResult{}, fmt.Errorf("failed to list transactions: %w", err)
	}

	return TransactionsResult{Result: succeeded("transactions retrieved"), Transactions: txs}, nil
}

// withRetry reruns fn while it fails with a version conflict, up to the
// configured number of attempts.
func (s *LedgerService) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = fn()
		if !retryable(err) {
			return err
		}
		s.log.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"attempt":   attempt,
		}).Warn("ledger write conflicted, retrying")

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s gave up after %d attempts: %w", op, s.maxAttempts, err)
}

func retryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) ||
		errors.Is(err, errChargeRace) ||
		database.IsSerializationFailure(err)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *LedgerService) accountByUser(ctx context.Context, q rowQuerier, userID string) (*models.Account, error) {
	var a models.Account
	err := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.ID, &a.UserID, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &a, nil
}

func (s *LedgerService) updateAccountBalance(ctx context.Context, tx *sql.Tx, account *models.Account, newBalance decimal.Decimal, now time.Time) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2 WHERE id = $3 AND version = $4`,
		newBalance, now, account.ID, account.Version)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *LedgerService) insertTransaction(ctx context.Context, tx *sql.Tx, t *models.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.AccountID, t.Type, t.Amount, t.BalanceAfter, t.OrderID, t.IdempotencyKey, t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// refreshAccount writes the committed state of the account to the cache.
// Concurrent writers finish in any order, so the entry only moves forward
// in account version.
func (s *LedgerService) refreshAccount(ctx context.Context, account *models.Account, newBalance decimal.Decimal, now time.Time) {
	updated := *account
	updated.Balance = newBalance
	updated.Version++
	updated.UpdatedAt = now
	s.cache.SetIfNewer(ctx, cache.AccountKey(account.UserID), models.NewAccountSnapshot(&updated), int64(updated.Version), s.accountTTL)
}
