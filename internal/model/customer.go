package model

import "time"

// Customer is the minimal registry row the ledger validates against.
// Profile data lives elsewhere; the ledger only needs existence.
type Customer struct {
	ID        uint64    `gorm:"primaryKey"`
	Email     string    `gorm:"size:255;uniqueIndex"`
	Name      string    `gorm:"size:255"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (Customer) TableName() string { return "customer" }

// CustomerBalance is the denormalized balance row. It is a read optimization
// and the per-customer serialization point for writes — never the source of
// truth, which is always replay of the ledger.
type CustomerBalance struct {
	CustomerID uint64    `gorm:"primaryKey;column:customer_id"`
	Points     int64     `gorm:"not null;default:0"`
	Version    uint64    `gorm:"not null;default:0"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (CustomerBalance) TableName() string { return "customer_balance" }
