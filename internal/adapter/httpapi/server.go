// Package httpapi предоставляет HTTP-поверхность состояния: проверку живости,
// снимок планировщика и последние диагностические сообщения.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"loopsched/internal/diag"
	"loopsched/internal/shared"
)

const (
	defaultReportsLimit = 20
	maxReportsLimit     = 500
	shutdownTimeout     = 5 * time.Second
)

// StatusSource возвращает снимок состояния. Реализация обращается к циклу хоста,
// поэтому может завершиться ошибкой таймаута или переполнения.
type StatusSource interface {
	Status(ctx context.Context) (any, error)
}

// StatusFunc позволяет использовать функцию как StatusSource.
type StatusFunc func(ctx context.Context) (any, error)

// Status вызывает f.
func (f StatusFunc) Status(ctx context.Context) (any, error) { return f(ctx) }

// ReportSource возвращает последние диагностические сообщения.
type ReportSource interface {
	Recent(ctx context.Context, limit int) ([]diag.Entry, error)
}

// Config содержит зависимости сервера.
type Config struct {
	// Addr - адрес прослушивания.
	Addr string
	// Status - источник снимка планировщика (обязательно).
	Status StatusSource
	// Reports - журнал сообщений (необязательно).
	Reports ReportSource
	// RequestTimeout - таймаут обращения к циклу хоста.
	RequestTimeout time.Duration
	// Logger - логгер.
	Logger *slog.Logger
}

type reportJSON struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	IsError bool      `json:"is_error"`
}

// NewRouter создает gin-маршрутизатор.
func NewRouter(cfg Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/v1/scheduler", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		st, err := cfg.Status.Status(ctx)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	if cfg.Reports != nil {
		r.GET("/v1/reports", func(c *gin.Context) {
			limit := defaultReportsLimit
			if raw := c.Query("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n <= 0 || n > maxReportsLimit {
					writeError(c, logger, shared.MarkKind(errors.New("limit must be in 1.."+strconv.Itoa(maxReportsLimit)), shared.KindValidation))
					return
				}
				limit = n
			}

			entries, err := cfg.Reports.Recent(c.Request.Context(), limit)
			if err != nil {
				writeError(c, logger, err)
				return
			}
			out := make([]reportJSON, 0, len(entries))
			for _, e := range entries {
				out = append(out, reportJSON{Time: e.Time, Message: e.Message, IsError: e.IsError})
			}
			c.JSON(http.StatusOK, gin.H{"reports": out})
		})
	}

	return r
}

// statusFor сопоставляет вид ошибки HTTP-статусу.
func statusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindDependencyFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, logger *slog.Logger, err error) {
	code := statusFor(err)
	logger.Warn("http request failed", "path", c.FullPath(), "status", code, "kind", shared.KindOf(err), "error", err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "kind": shared.KindOf(err).String()})
}

// Serve обслуживает запросы до отмены ctx, после чего корректно останавливает сервер.
func Serve(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return shared.MarkKind(err, shared.KindDependencyFailure)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return nil
}
