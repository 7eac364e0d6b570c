package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mkaran/loyalty-service/internal/model"
	"github.com/mkaran/loyalty-service/internal/rates"
	"github.com/mkaran/loyalty-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Validation and lifecycle errors. All are sentinel values for errors.Is.
var (
	ErrInvalidPoints       = errors.New("points must be positive")
	ErrUnknownType         = errors.New("unknown transaction type")
	ErrTypeNotRecordable   = errors.New("type is recorded via its own operation, not Record")
	ErrInvalidDirection    = errors.New("adjust requires direction credit or debit")
	ErrReasonRequired      = errors.New("adjust requires a reason")
	ErrInvalidExpiry       = errors.New("expiry must be after creation time")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyReversed     = errors.New("transaction already reversed")
	ErrNotReversible       = errors.New("transaction is not reversible")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Policy carries the ledger knobs resolved from config.
type Policy struct {
	// DefaultExpiry applied to earns recorded without an explicit expiry.
	// Zero disables default expiry.
	DefaultExpiryMonths int
	// PendingHorizon is the expiry-warning window for the balance split.
	PendingHorizon time.Duration
	// WriteTimeout bounds every write operation.
	WriteTimeout time.Duration
}

// LedgerService is the transaction writer and balance engine for the
// loyalty points ledger. The ledger is append-only: rows are never deleted,
// and the only mutation is the active→reversed / active→expired status flip.
type LedgerService struct {
	repo  repo.RepositoryInterface
	rates rates.Provider
	pol   Policy
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewLedgerService returns LedgerService.
func NewLedgerService(r repo.RepositoryInterface, rp rates.Provider, pol Policy, logger *zap.SugaredLogger) *LedgerService {
	if pol.WriteTimeout == 0 {
		pol.WriteTimeout = 5 * time.Second
	}
	if pol.PendingHorizon == 0 {
		pol.PendingHorizon = 30 * 24 * time.Hour
	}
	return &LedgerService{repo: r, rates: rp, pol: pol, log: logger, now: time.Now}
}

// RecordOptions carries the optional fields of a ledger entry.
type RecordOptions struct {
	UserID        *uint64
	ReferenceType *string
	ReferenceID   *uint64
	Description   string
	Reason        string
	ExpiresAt     *time.Time
	// Direction is required for adjust and ignored for every other type.
	Direction string
	// IdempotencyKey makes a retried append return the original row.
	IdempotencyKey string
	Metadata       map[string]interface{}
}

// Record validates and appends one ledger entry. Only earn, redeem and
// adjust may be appended: expiry and reversal are status transitions driven
// by ExpireDue and Reverse. The balance check and the append run inside one
// database transaction under the customer's balance row lock, so two
// concurrent redemptions can never both pass against a stale balance.
func (s *LedgerService) Record(ctx context.Context, customerID uint64, txType string, points int64, opts RecordOptions) (*model.LoyaltyTransaction, error) {
	if points <= 0 {
		return nil, ErrInvalidPoints
	}
	direction, err := s.resolveDirection(txType, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.pol.WriteTimeout)
	defer cancel()

	now := s.now()
	expiresAt := opts.ExpiresAt
	if txType == model.TypeEarn && expiresAt == nil && s.pol.DefaultExpiryMonths > 0 {
		t := now.AddDate(0, s.pol.DefaultExpiryMonths, 0)
		expiresAt = &t
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, ErrInvalidExpiry
	}

	entry := &model.LoyaltyTransaction{
		CustomerID:    customerID,
		UserID:        opts.UserID,
		Type:          txType,
		Direction:     direction,
		Points:        points,
		PointsValue:   decimal.NewFromInt(points).Mul(s.rates.PointValue()),
		ReferenceType: opts.ReferenceType,
		ReferenceID:   opts.ReferenceID,
		Description:   opts.Description,
		Reason:        opts.Reason,
		Status:        model.StatusActive,
		ExpiresAt:     expiresAt,
		Metadata:      datatypes.JSONMap(opts.Metadata),
	}
	if opts.IdempotencyKey != "" {
		entry.IdempotencyKey = &opts.IdempotencyKey
	}
	if txType != model.TypeEarn {
		entry.ExpiresAt = nil
	}

	var newBal int64
	deduped := false
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.CustomerExists(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if !ok {
			return repo.ErrCustomerNotFound
		}

		bal, err := s.lockBalance(ctx, tx, customerID)
		if err != nil {
			return err
		}

		// retried append: hand back the original row, write nothing
		existed, prior, err := s.repo.TxExists(ctx, tx, customerID, opts.IdempotencyKey, txType)
		if err != nil {
			return err
		}
		if existed {
			entry = prior
			deduped = true
			return nil
		}

		current, err := s.repo.ReplayBalance(ctx, tx, customerID, now)
		if err != nil {
			return err
		}
		if txType == model.TypeRedeem && current < points {
			return ErrInsufficientBalance
		}

		if err := s.repo.CreateTransaction(ctx, tx, entry); err != nil {
			return err
		}
		newBal = current + signed(direction, points)
		if err := s.repo.UpdateBalance(ctx, tx, customerID, newBal, bal.Version); err != nil {
			return err
		}
		return s.emit(ctx, tx, customerID, model.EventEntryRecorded, map[string]interface{}{
			"transaction_id": entry.ID,
			"type":           txType,
			"points":         points,
			"balance":        newBal,
		})
	})
	if err != nil {
		return nil, err
	}
	if deduped {
		return entry, nil
	}

	s.refreshCache(ctx, customerID, newBal)
	if newBal < 0 {
		s.log.Warnw("negative balance after adjustment",
			"customer_id", customerID, "balance", newBal)
	}
	return entry, nil
}

// Earn credits points, applying the default expiry policy when no explicit
// expiry is supplied.
func (s *LedgerService) Earn(ctx context.Context, customerID uint64, points int64, opts RecordOptions) (*model.LoyaltyTransaction, error) {
	return s.Record(ctx, customerID, model.TypeEarn, points, opts)
}

// Redeem debits points from the available balance.
func (s *LedgerService) Redeem(ctx context.Context, customerID uint64, points int64, opts RecordOptions) (*model.LoyaltyTransaction, error) {
	return s.Record(ctx, customerID, model.TypeRedeem, points, opts)
}

// Adjust applies an administrative correction. Reason and direction are
// mandatory; a debit adjustment may drive the balance negative.
func (s *LedgerService) Adjust(ctx context.Context, customerID uint64, points int64, opts RecordOptions) (*model.LoyaltyTransaction, error) {
	return s.Record(ctx, customerID, model.TypeAdjust, points, opts)
}

// Reverse excludes a transaction from balance computation without deleting
// it. Exactly one concurrent attempt wins the status compare-and-set; the
// rest see ErrAlreadyReversed. Reversing an earn whose points were already
// redeemed is allowed and may drive the balance negative, which is logged.
func (s *LedgerService) Reverse(ctx context.Context, txID, actor uint64, reason string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pol.WriteTimeout)
	defer cancel()

	t, err := s.repo.GetTransaction(ctx, s.repo.DB(ctx), txID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrTransactionNotFound
		}
		return false, err
	}
	if !model.Reversible(t.Type) {
		return false, ErrNotReversible
	}
	if t.Status == model.StatusReversed {
		return false, ErrAlreadyReversed
	}

	now := s.now()
	var newBal int64
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := s.lockBalance(ctx, tx, t.CustomerID)
		if err != nil {
			return err
		}
		ok, err := s.repo.MarkReversed(ctx, tx, txID, actor, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			// Lost the CAS: re-read to report what happened.
			cur, err := s.repo.GetTransaction(ctx, tx, txID)
			if err != nil {
				return err
			}
			switch cur.Status {
			case model.StatusReversed:
				return ErrAlreadyReversed
			case model.StatusExpired:
				return ErrNotReversible
			}
			return repo.ErrConflict
		}
		newBal, err = s.repo.ReplayBalance(ctx, tx, t.CustomerID, now)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, t.CustomerID, newBal, bal.Version); err != nil {
			return err
		}
		return s.emit(ctx, tx, t.CustomerID, model.EventReversed, map[string]interface{}{
			"transaction_id": txID,
			"reversed_by":    actor,
			"balance":        newBal,
		})
	})
	if err != nil {
		return false, err
	}

	s.refreshCache(ctx, t.CustomerID, newBal)
	if newBal < 0 {
		s.log.Warnw("negative balance after reversal",
			"customer_id", t.CustomerID, "transaction_id", txID, "balance", newBal)
	}
	return true, nil
}

// ExpireDue transitions all due earns to expired. Per-record failures are
// logged and skipped; the sweep is idempotent and safe to run concurrently
// with writes because each transition is a status compare-and-set.
func (s *LedgerService) ExpireDue(ctx context.Context, asOf time.Time) (int, error) {
	const batch = 500
	count := 0
	touched := map[uint64]struct{}{}
	for {
		due, err := s.repo.FindExpirable(ctx, asOf, batch)
		if err != nil {
			return count, err
		}
		if len(due) == 0 {
			break
		}
		progressed := false
		for _, t := range due {
			ok, err := s.repo.MarkExpired(ctx, t.ID, asOf)
			if err != nil {
				s.log.Errorw("expire transaction", "transaction_id", t.ID, "err", err)
				continue
			}
			if !ok {
				// Reversed or already expired since we listed it.
				continue
			}
			progressed = true
			count++
			touched[t.CustomerID] = struct{}{}
			s.emitStandalone(ctx, t.CustomerID, model.EventExpired, map[string]interface{}{
				"transaction_id": t.ID,
				"points":         t.Points,
			})
		}
		if !progressed {
			break
		}
		if len(due) < batch {
			break
		}
	}
	for customerID := range touched {
		if _, err := s.Reconcile(ctx, customerID); err != nil {
			s.log.Warnw("reconcile after sweep", "customer_id", customerID, "err", err)
		}
	}
	return count, nil
}

// Balance returns the customer's current point balance. The cached value may
// be up to the cache TTL stale; force bypasses the cache and replays the
// ledger, which is always the source of truth. Reads never repopulate the
// cache: a replay racing a concurrent append could re-store the pre-append
// balance for a full TTL. Only committed writes (and Reconcile) set it.
func (s *LedgerService) Balance(ctx context.Context, customerID uint64, force bool) (int64, error) {
	if !force {
		if bal, err := s.repo.GetCachedBalance(ctx, customerID); err == nil {
			return bal, nil
		}
	}
	return s.repo.ReplayBalance(ctx, s.repo.DB(ctx), customerID, s.now())
}

// BalanceValue converts the current balance at the current rate. Stored
// per-row points_value keeps the historical rate and is not re-read here.
func (s *LedgerService) BalanceValue(ctx context.Context, customerID uint64) (decimal.Decimal, error) {
	bal, err := s.Balance(ctx, customerID, false)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(bal).Mul(s.rates.PointValue()), nil
}

// Breakdown splits a balance into what is usable indefinitely and what will
// expire within the warning horizon.
type Breakdown struct {
	Total     int64         `json:"total"`
	Available int64         `json:"available"`
	Expiring  int64         `json:"expiring"`
	Horizon   time.Duration `json:"-"`
}

// AvailableVsPending classifies the balance against the expiry-warning
// horizon. Expiring is capped at the (non-negative) total: redeemed points
// are assumed to consume the oldest earns first.
func (s *LedgerService) AvailableVsPending(ctx context.Context, customerID uint64) (Breakdown, error) {
	now := s.now()
	total, err := s.repo.ReplayBalance(ctx, s.repo.DB(ctx), customerID, now)
	if err != nil {
		return Breakdown{}, err
	}
	expiring, err := s.repo.PendingExpiry(ctx, customerID, now, s.pol.PendingHorizon)
	if err != nil {
		return Breakdown{}, err
	}
	if ceiling := max64(total, 0); expiring > ceiling {
		expiring = ceiling
	}
	return Breakdown{
		Total:     total,
		Available: total - expiring,
		Expiring:  expiring,
		Horizon:   s.pol.PendingHorizon,
	}, nil
}

// History returns the customer's ledger in append order.
func (s *LedgerService) History(ctx context.Context, customerID uint64, limit int, since time.Time) ([]model.LoyaltyTransaction, error) {
	return s.repo.ListTransactions(ctx, customerID, limit, since)
}

// Reconcile forces the denormalized balance row back to the replayed value.
// Used after expiry sweeps and available to operators when the cache is
// suspected stale.
func (s *LedgerService) Reconcile(ctx context.Context, customerID uint64) (int64, error) {
	now := s.now()
	var bal int64
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockBalance(ctx, tx, customerID)
		if err != nil {
			return err
		}
		bal, err = s.repo.ReplayBalance(ctx, tx, customerID, now)
		if err != nil {
			return err
		}
		if bal == row.Points {
			return nil
		}
		return s.repo.UpdateBalance(ctx, tx, customerID, bal, row.Version)
	})
	if err != nil {
		return 0, err
	}
	s.refreshCache(ctx, customerID, bal)
	return bal, nil
}

// Repo exposes underlying repository (unit tests helper).
func (s *LedgerService) Repo() repo.RepositoryInterface {
	return s.repo
}

func (s *LedgerService) resolveDirection(txType string, opts RecordOptions) (string, error) {
	switch txType {
	case model.TypeEarn, model.TypeRedeem:
		return model.DirectionOf(txType), nil
	case model.TypeAdjust:
		if opts.Reason == "" {
			return "", ErrReasonRequired
		}
		if opts.Direction != model.DirectionCredit && opts.Direction != model.DirectionDebit {
			return "", ErrInvalidDirection
		}
		return opts.Direction, nil
	case model.TypeExpire, model.TypeReverse:
		return "", ErrTypeNotRecordable
	}
	return "", ErrUnknownType
}

// lockBalance takes the per-customer write lock, seeding the row on first use.
func (s *LedgerService) lockBalance(ctx context.Context, tx *gorm.DB, customerID uint64) (*model.CustomerBalance, error) {
	bal, err := s.repo.GetBalanceForUpdate(ctx, tx, customerID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	bal = &model.CustomerBalance{CustomerID: customerID}
	if err := s.repo.CreateBalance(ctx, tx, bal); err != nil {
		return nil, err
	}
	return bal, nil
}

func (s *LedgerService) emit(ctx context.Context, tx *gorm.DB, customerID uint64, eventType string, body map[string]interface{}) error {
	payload, _ := json.Marshal(body)
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "Ledger",
		AggregateID: customerID,
		EventType:   eventType,
		Payload:     string(payload),
	})
}

// emitStandalone writes an outbox row outside a surrounding transaction,
// used by the sweep where each transition commits independently.
func (s *LedgerService) emitStandalone(ctx context.Context, customerID uint64, eventType string, body map[string]interface{}) {
	if err := s.emit(ctx, s.repo.DB(ctx), customerID, eventType, body); err != nil {
		s.log.Warnw("outbox event", "customer_id", customerID, "event", eventType, "err", err)
	}
}

// refreshCache replaces the cached balance after a committed write. The
// cache is only ever written after a successful append.
func (s *LedgerService) refreshCache(ctx context.Context, customerID uint64, bal int64) {
	if err := s.repo.InvalidateBalance(ctx, customerID); err != nil {
		s.log.Warnw("invalidate balance cache", "customer_id", customerID, "err", err)
	}
	if err := s.repo.CacheBalance(ctx, customerID, bal); err != nil {
		s.log.Warnw("cache balance", "customer_id", customerID, "err", err)
	}
}

func signed(direction string, points int64) int64 {
	if direction == model.DirectionCredit {
		return points
	}
	return -points
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
