package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redismock/v8"
	"github.com/mkaran/loyalty-service/internal/logger"
	"github.com/mkaran/loyalty-service/internal/model"
	"github.com/mkaran/loyalty-service/internal/rates"
	"github.com/mkaran/loyalty-service/internal/repo"
	"github.com/mkaran/loyalty-service/internal/report"
	"github.com/mkaran/loyalty-service/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) *gin.Engine {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&model.Customer{},
		&model.CustomerBalance{},
		&model.LoyaltyTransaction{},
		&model.OutboxEvent{},
	))
	assert.NoError(t, db.Create(&model.Customer{ID: 1, Email: "ada@example.com", Name: "Ada"}).Error)

	rdb, _ := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	svc := service.NewLedgerService(repository, rates.NewFixed("0.01"), service.Policy{}, log)
	rep := report.NewReporter(db)

	r := gin.New()
	RegisterHandlers(r, svc, rep)
	return r
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_RejectMalformedIDs(t *testing.T) {
	r := newTestRouter(t)

	// a non-numeric id must be a 400, never treated as customer 0
	for _, path := range []string{
		"/v1/customers/abc/balance",
		"/v1/customers/abc/balance/value",
		"/v1/customers/abc/balance/breakdown",
		"/v1/customers/abc/history",
		"/v1/customers/abc/report/summary",
		"/v1/customers/abc/report/trend",
	} {
		w := do(r, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Contains(t, w.Body.String(), "invalid customer id", path)
	}

	w := do(r, http.MethodPost, "/v1/customers/abc/earn", `{"points": 10}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/transactions/abc/reverse", `{"actor_id": 7}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid transaction id")
}

func TestHandlers_RecordAndBalance(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodPost, "/v1/customers/1/earn", `{"points": 100}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"earn"`)

	w = do(r, http.MethodGet, "/v1/customers/1/balance?force=true", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":100`)

	// over-redemption surfaces as a conflict
	w = do(r, http.MethodPost, "/v1/customers/1/redeem", `{"points": 500}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// unknown customers are a 404, not a silent empty ledger
	w = do(r, http.MethodPost, "/v1/customers/999/earn", `{"points": 10}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
