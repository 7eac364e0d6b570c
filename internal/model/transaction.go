package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Transaction types. The enumeration is closed: Expire and Reverse exist as
// values for history filtering and export, but the writer never appends them
// directly — expiry and reversal are status transitions on the original row.
const (
	TypeEarn    = "earn"
	TypeRedeem  = "redeem"
	TypeExpire  = "expire"
	TypeReverse = "reverse"
	TypeAdjust  = "adjust"
)

// Transaction statuses. active is the only non-terminal state.
const (
	StatusActive   = "active"
	StatusReversed = "reversed"
	StatusExpired  = "expired"
)

// Balance effect directions. Points is always a positive magnitude; the
// direction carries the sign so replay is a single conditional sum.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// LoyaltyTransaction is one entry in a customer's points ledger. Rows are
// immutable after creation except for the status fields, which change only
// through Reverse and ExpireDue.
type LoyaltyTransaction struct {
	ID            uint64          `gorm:"primaryKey"`
	CustomerID    uint64          `gorm:"not null;index"`
	UserID        *uint64         // staff actor, when staff-initiated
	Type          string          `gorm:"size:16;not null"`
	Direction     string          `gorm:"size:8;not null"`
	Points        int64           `gorm:"not null"`
	PointsValue   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ReferenceType *string         `gorm:"size:64"`
	ReferenceID   *uint64
	Description   string `gorm:"size:255"`
	Reason        string `gorm:"size:255"`
	Status        string `gorm:"size:16;not null;default:'active';index"`
	ExpiresAt     *time.Time
	ReversedAt    *time.Time
	ReversedBy    *uint64
	// ReversalReason is audit text for the reversal itself; the creation-time
	// Reason field is never touched after the row is written.
	ReversalReason string            `gorm:"size:255"`
	IdempotencyKey *string           `gorm:"size:64;index"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"autoCreateTime"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime"`
}

func (LoyaltyTransaction) TableName() string { return "loyalty_transaction" }

// DirectionOf maps a transaction type to its balance effect. Adjustments
// carry no inherent direction and must supply one explicitly.
func DirectionOf(txType string) string {
	if txType == TypeEarn {
		return DirectionCredit
	}
	return DirectionDebit
}

// Reversible reports whether a transaction of this type may be reversed.
// Expiry records and reversal markers are excluded by policy.
func Reversible(txType string) bool {
	switch txType {
	case TypeEarn, TypeRedeem, TypeAdjust:
		return true
	}
	return false
}
