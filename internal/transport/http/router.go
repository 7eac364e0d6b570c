package http

import (
	"github.com/gin-gonic/gin"
	"github.com/mkaran/loyalty-service/internal/config"
	"github.com/mkaran/loyalty-service/internal/report"
	"github.com/mkaran/loyalty-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.LedgerService, rep *report.Reporter, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, rep)
	return r
}
