package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mkaran/loyalty-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrConflict is returned when a compare-and-set update loses its race
// (balance version bump or status transition). Safe to retry the whole
// operation.
var ErrConflict = errors.New("concurrency conflict")

// ErrCustomerNotFound is returned when a ledger write names an unknown customer.
var ErrCustomerNotFound = errors.New("customer not found")

// RepositoryInterface restricts Repo methods so the service can be unit
// tested against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CustomerExists(ctx context.Context, tx *gorm.DB, customerID uint64) (bool, error)
	GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, customerID uint64) (*model.CustomerBalance, error)
	CreateBalance(ctx context.Context, tx *gorm.DB, b *model.CustomerBalance) error
	UpdateBalance(ctx context.Context, tx *gorm.DB, customerID uint64, points int64, oldVersion uint64) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.LoyaltyTransaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.LoyaltyTransaction, error)
	TxExists(ctx context.Context, tx *gorm.DB, customerID uint64, idemKey, txType string) (bool, *model.LoyaltyTransaction, error)
	MarkReversed(ctx context.Context, tx *gorm.DB, id, actor uint64, reason string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, id uint64, asOf time.Time) (bool, error)
	FindExpirable(ctx context.Context, asOf time.Time, limit int) ([]model.LoyaltyTransaction, error)
	ReplayBalance(ctx context.Context, tx *gorm.DB, customerID uint64, asOf time.Time) (int64, error)
	PendingExpiry(ctx context.Context, customerID uint64, asOf time.Time, horizon time.Duration) (int64, error)
	ListTransactions(ctx context.Context, customerID uint64, limit int, since time.Time) ([]model.LoyaltyTransaction, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheBalance(ctx context.Context, customerID uint64, points int64) error
	GetCachedBalance(ctx context.Context, customerID uint64) (int64, error)
	InvalidateBalance(ctx context.Context, customerID uint64) error
}

// Repository implements RepositoryInterface over gorm, redis and kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CustomerExists checks the customer registry by id.
func (r *Repository) CustomerExists(ctx context.Context, tx *gorm.DB, customerID uint64) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.Customer{}).Where("id = ?", customerID).Count(&n).Error
	return n > 0, err
}

// GetBalanceForUpdate locks the customer's balance row. The row is the
// per-customer serialization point: every write takes this lock first.
// SQLite has no FOR UPDATE; there the version check on UpdateBalance is the
// only guard, which is enough for its single-writer model.
func (r *Repository) GetBalanceForUpdate(ctx context.Context, tx *gorm.DB, customerID uint64) (*model.CustomerBalance, error) {
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var b model.CustomerBalance
	if err := q.Where("customer_id = ?", customerID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBalance seeds the balance row for a customer's first transaction.
func (r *Repository) CreateBalance(ctx context.Context, tx *gorm.DB, b *model.CustomerBalance) error {
	return tx.WithContext(ctx).Create(b).Error
}

// UpdateBalance writes the cached balance with an optimistic version check.
func (r *Repository) UpdateBalance(ctx context.Context, tx *gorm.DB, customerID uint64, points int64, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.CustomerBalance{}).
		Where("customer_id = ? AND version = ?", customerID, oldVersion).
		Updates(map[string]interface{}{
			"points":     points,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// CreateTransaction appends a ledger row.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.LoyaltyTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

// GetTransaction loads one ledger row by id on the given handle, so callers
// inside a database transaction read their own writes.
func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.LoyaltyTransaction, error) {
	var t model.LoyaltyTransaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// TxExists checks duplicate by idem key, so a retried append returns the
// original row instead of double-writing.
func (r *Repository) TxExists(ctx context.Context, tx *gorm.DB, customerID uint64, idemKey, txType string) (bool, *model.LoyaltyTransaction, error) {
	if idemKey == "" {
		return false, nil, nil
	}
	var t model.LoyaltyTransaction
	err := tx.WithContext(ctx).
		Where("customer_id = ? AND idempotency_key = ? AND type = ?", customerID, idemKey, txType).
		First(&t).Error
	if err == nil {
		return true, &t, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil, nil
	}
	return false, nil, err
}

// MarkReversed transitions active→reversed with a status compare-and-set.
// Returns false when the row was not active anymore; the caller re-reads to
// tell AlreadyReversed from NotReversible. The creation-time reason field is
// immutable; the reversal's own audit text goes to reversal_reason.
func (r *Repository) MarkReversed(ctx context.Context, tx *gorm.DB, id, actor uint64, reason string, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":      model.StatusReversed,
		"reversed_at": at,
		"reversed_by": actor,
		"updated_at":  at,
	}
	if reason != "" {
		updates["reversal_reason"] = reason
	}
	res := tx.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Where("id = ? AND status = ?", id, model.StatusActive).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkExpired transitions a due earn active→expired. The compare-and-set on
// status makes the sweep idempotent and safe against a racing reversal.
func (r *Repository) MarkExpired(ctx context.Context, id uint64, asOf time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Where("id = ? AND status = ? AND type = ? AND expires_at <= ?",
			id, model.StatusActive, model.TypeEarn, asOf).
		Updates(map[string]interface{}{
			"status":     model.StatusExpired,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindExpirable returns active earns whose expiry is due at asOf.
func (r *Repository) FindExpirable(ctx context.Context, asOf time.Time, limit int) ([]model.LoyaltyTransaction, error) {
	var txs []model.LoyaltyTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND type = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			model.StatusActive, model.TypeEarn, asOf).
		Order("id").Limit(limit).Find(&txs).Error
	return txs, err
}

// ReplayBalance computes the balance from the ledger alone. Earns past their
// expiry are excluded even before the sweep has flipped their status, so the
// result is correct at asOf regardless of sweep lag.
func (r *Repository) ReplayBalance(ctx context.Context, tx *gorm.DB, customerID uint64, asOf time.Time) (int64, error) {
	var total int64
	err := tx.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Select("COALESCE(SUM(CASE WHEN direction = ? THEN points ELSE -points END), 0)", model.DirectionCredit).
		Where("customer_id = ? AND status = ?", customerID, model.StatusActive).
		Where("type <> ? OR expires_at IS NULL OR expires_at > ?", model.TypeEarn, asOf).
		Scan(&total).Error
	return total, err
}

// PendingExpiry sums active earn points expiring within (asOf, asOf+horizon].
func (r *Repository) PendingExpiry(ctx context.Context, customerID uint64, asOf time.Time, horizon time.Duration) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Select("COALESCE(SUM(points), 0)").
		Where("customer_id = ? AND status = ? AND type = ?", customerID, model.StatusActive, model.TypeEarn).
		Where("expires_at > ? AND expires_at <= ?", asOf, asOf.Add(horizon)).
		Scan(&total).Error
	return total, err
}

// ListTransactions returns the customer's ledger in append order.
func (r *Repository) ListTransactions(ctx context.Context, customerID uint64, limit int, since time.Time) ([]model.LoyaltyTransaction, error) {
	var txs []model.LoyaltyTransaction
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND created_at >= ?", customerID, since).
		Order("id").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, customerID uint64, points int64) error {
	return r.rdb.Set(ctx, balanceKey(customerID), points, 5*time.Minute).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, customerID uint64) (int64, error) {
	return r.rdb.Get(ctx, balanceKey(customerID)).Int64()
}

// InvalidateBalance drops the cached balance after a successful write.
func (r *Repository) InvalidateBalance(ctx context.Context, customerID uint64) error {
	return r.rdb.Del(ctx, balanceKey(customerID)).Err()
}

func balanceKey(customerID uint64) string {
	return fmt.Sprintf("loyalty:balance:%d", customerID)
}
