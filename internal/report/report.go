package report

import (
	"context"
	"time"

	"github.com/mkaran/loyalty-service/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reporter runs read-only aggregations over the ledger. It never mutates
// state and is allowed to observe slightly stale data; all queries are
// explicit aggregations, no relationship traversal.
type Reporter struct {
	db *gorm.DB
}

func NewReporter(db *gorm.DB) *Reporter {
	return &Reporter{db: db}
}

// ActivitySummary is the per-customer rollup of ledger activity.
type ActivitySummary struct {
	CustomerID    uint64          `json:"customer_id"`
	Transactions  int64           `json:"transactions"`
	Earned        int64           `json:"earned"`
	Redeemed      int64           `json:"redeemed"`
	Expired       int64           `json:"expired"`
	Reversed      int64           `json:"reversed"`
	EarnedValue   decimal.Decimal `json:"earned_value"`
	RedeemedValue decimal.Decimal `json:"redeemed_value"`
}

// Summary aggregates a customer's ledger activity. Earned/Redeemed count
// active rows only; Expired and Reversed report what left the balance.
func (r *Reporter) Summary(ctx context.Context, customerID uint64) (ActivitySummary, error) {
	out := ActivitySummary{CustomerID: customerID}

	err := r.db.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Where("customer_id = ?", customerID).
		Count(&out.Transactions).Error
	if err != nil {
		return out, err
	}

	type row struct {
		Type   string
		Status string
		Points int64
		Value  decimal.Decimal
	}
	var rows []row
	err = r.db.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Select("type, status, COALESCE(SUM(points), 0) AS points, COALESCE(SUM(points_value), 0) AS value").
		Where("customer_id = ?", customerID).
		Group("type, status").
		Scan(&rows).Error
	if err != nil {
		return out, err
	}

	for _, g := range rows {
		switch {
		case g.Status == model.StatusReversed:
			out.Reversed += g.Points
		case g.Status == model.StatusExpired:
			out.Expired += g.Points
		case g.Type == model.TypeEarn:
			out.Earned += g.Points
			out.EarnedValue = out.EarnedValue.Add(g.Value)
		case g.Type == model.TypeRedeem:
			out.Redeemed += g.Points
			out.RedeemedValue = out.RedeemedValue.Add(g.Value)
		}
	}
	return out, nil
}

// TrendPoint is one month of earn/redeem volume.
type TrendPoint struct {
	Month    string `json:"month"`
	Earned   int64  `json:"earned"`
	Redeemed int64  `json:"redeemed"`
}

// MonthlyTrend returns earn/redeem volume per calendar month over the last
// n months, oldest first. Months with no activity are filled with zeros so
// callers can chart the series directly.
func (r *Reporter) MonthlyTrend(ctx context.Context, customerID uint64, months int) ([]TrendPoint, error) {
	if months <= 0 {
		months = 6
	}
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)

	var txs []model.LoyaltyTransaction
	err := r.db.WithContext(ctx).
		Select("type, points, created_at").
		Where("customer_id = ? AND created_at >= ? AND type IN ?",
			customerID, start, []string{model.TypeEarn, model.TypeRedeem}).
		Find(&txs).Error
	if err != nil {
		return nil, err
	}

	byMonth := make(map[string]*TrendPoint, months)
	series := make([]TrendPoint, months)
	for i := 0; i < months; i++ {
		m := start.AddDate(0, i, 0).Format("2006-01")
		series[i] = TrendPoint{Month: m}
		byMonth[m] = &series[i]
	}
	for _, t := range txs {
		p, ok := byMonth[t.CreatedAt.UTC().Format("2006-01")]
		if !ok {
			continue
		}
		if t.Type == model.TypeEarn {
			p.Earned += t.Points
		} else {
			p.Redeemed += t.Points
		}
	}
	return series, nil
}
