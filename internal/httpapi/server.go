// Package httpapi serves the ledger over HTTP: RPC-style POST endpoints for
// backend callers and read endpoints for the signed-in user.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/MarkoPoloResearchLab/storycredits/internal/rpcapi"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Config carries router settings.
type Config struct {
	AllowedOrigins     []string
	ServiceTokenSecret []byte
	ServiceTokenIssuer string
	RequestTimeout     time.Duration
	// Sessions guards the /api read endpoints; nil leaves them unmounted.
	Sessions gin.HandlerFunc
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config, handler *rpcapi.Handler, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	httpHandler := &httpHandler{handler: handler, logger: logger, timeout: cfg.RequestTimeout}

	rpc := router.Group("/rpc")
	rpc.Use(ServiceAuth(cfg.ServiceTokenSecret, cfg.ServiceTokenIssuer))
	for _, procedure := range rpcapi.Procedures() {
		rpc.POST("/"+RoutePath(procedure.Name), httpHandler.handleProcedure(procedure))
	}

	if cfg.Sessions != nil {
		api := router.Group("/api")
		api.Use(cfg.Sessions)
		api.GET("/balance", httpHandler.handleBalance)
		api.GET("/history", httpHandler.handleHistory)
	}
	return router
}

// Serve runs router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// RoutePath turns a procedure name into its URL segment, e.g. ResetIfDue
// into reset_if_due.
func RoutePath(procedure string) string {
	var builder strings.Builder
	for index, character := range procedure {
		if unicode.IsUpper(character) {
			if index > 0 {
				builder.WriteByte('_')
			}
			character = unicode.ToLower(character)
		}
		builder.WriteRune(character)
	}
	return builder.String()
}

type httpHandler struct {
	handler *rpcapi.Handler
	logger  *zap.Logger
	timeout time.Duration
}

func (handler *httpHandler) handleProcedure(procedure rpcapi.Procedure) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		request := procedure.NewRequest()
		if err := ctx.ShouldBindJSON(request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("malformed_request", "expected JSON body"))
			return
		}
		requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
		defer cancel()
		response, err := procedure.Call(requestCtx, handler.handler, request)
		if err != nil {
			handler.respondFailure(ctx, procedure.Name, err)
			return
		}
		ctx.JSON(http.StatusOK, response)
	}
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	response, err := handler.handler.Projection(requestCtx, rpcapi.BalanceRequest{UserID: claims.GetUserID()})
	if err != nil {
		handler.respondFailure(ctx, rpcapi.ProcedureProjection, err)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	request := rpcapi.HistoryRequest{UserID: claims.GetUserID(), Before: ctx.Query("before")}
	if raw := ctx.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		request.Limit = limit
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.timeout)
	defer cancel()
	response, err := handler.handler.History(requestCtx, request)
	if err != nil {
		handler.respondFailure(ctx, rpcapi.ProcedureHistory, err)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) respondFailure(ctx *gin.Context, procedure string, err error) {
	if errors.Is(err, rpcapi.ErrMalformedRequest) {
		ctx.JSON(http.StatusBadRequest, errorResponse("malformed_request", err.Error()))
		return
	}
	handler.logger.Error("ledger procedure failed",
		zap.String("procedure", procedure),
		zap.String("caller", ctx.GetString(contextKeyServiceSubject)),
		zap.Error(err))
	ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "ledger unavailable"))
}
