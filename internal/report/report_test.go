package report

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mkaran/loyalty-service/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.LoyaltyTransaction{}))
	return db
}

func seed(t *testing.T, db *gorm.DB, tx model.LoyaltyTransaction) {
	if tx.Direction == "" {
		tx.Direction = model.DirectionOf(tx.Type)
	}
	if tx.Status == "" {
		tx.Status = model.StatusActive
	}
	assert.NoError(t, db.Create(&tx).Error)
}

func TestSummary(t *testing.T) {
	db := newTestDB(t)
	rep := NewReporter(db)
	ctx := context.Background()

	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeEarn, Points: 100, PointsValue: decimal.NewFromInt(1)})
	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeEarn, Points: 50, PointsValue: decimal.NewFromFloat(0.5)})
	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeRedeem, Points: 30, PointsValue: decimal.NewFromFloat(0.3)})
	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeEarn, Points: 20, Status: model.StatusExpired})
	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeRedeem, Points: 10, Status: model.StatusReversed})
	seed(t, db, model.LoyaltyTransaction{CustomerID: 2, Type: model.TypeEarn, Points: 999})

	s, err := rep.Summary(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), s.Transactions)
	assert.Equal(t, int64(150), s.Earned)
	assert.Equal(t, int64(30), s.Redeemed)
	assert.Equal(t, int64(20), s.Expired)
	assert.Equal(t, int64(10), s.Reversed)
	assert.Equal(t, "1.5", s.EarnedValue.String())
	assert.Equal(t, "0.3", s.RedeemedValue.String())
}

func TestMonthlyTrend(t *testing.T) {
	db := newTestDB(t)
	rep := NewReporter(db)
	ctx := context.Background()

	now := time.Now().UTC()
	thisMonth := now.Format("2006-01")

	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeEarn, Points: 100})
	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeEarn, Points: 40})
	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeRedeem, Points: 25})
	// adjusts are not part of the earn/redeem trend
	seed(t, db, model.LoyaltyTransaction{CustomerID: 1, Type: model.TypeAdjust, Direction: model.DirectionCredit, Points: 7})

	trend, err := rep.MonthlyTrend(ctx, 1, 3)
	assert.NoError(t, err)
	assert.Len(t, trend, 3)
	assert.Equal(t, thisMonth, trend[2].Month)
	assert.Equal(t, int64(140), trend[2].Earned)
	assert.Equal(t, int64(25), trend[2].Redeemed)
	// earlier months are zero-filled
	assert.Equal(t, int64(0), trend[0].Earned)
	assert.Equal(t, int64(0), trend[1].Redeemed)
}
