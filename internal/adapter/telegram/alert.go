// Package telegram доставляет сообщения об ошибках отложенных вызовов в чат Telegram.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/go-telegram/bot"

	"loopsched/internal/diag"
	"loopsched/internal/platform/httpclient"
	"loopsched/internal/shared"
	"loopsched/pkg/retry"
)

const (
	// MaxMessageLength - ограничение Telegram на длину текста сообщения.
	MaxMessageLength = 4096
	// DefaultRequestTimeout ограничивает один запрос к Bot API.
	DefaultRequestTimeout = 10 * time.Second
)

var (
	// ErrTokenRequired возвращается при пустом токене бота.
	ErrTokenRequired = shared.MarkKind(errors.New("telegram: bot token required"), shared.KindValidation)
	// ErrChatRequired возвращается при нулевом идентификаторе чата.
	ErrChatRequired = shared.MarkKind(errors.New("telegram: alert chat id required"), shared.KindValidation)
)

// Config содержит конфигурацию отправителя оповещений.
type Config struct {
	// Token - токен бота.
	Token string
	// ChatID - чат, в который отправляются оповещения.
	ChatID int64
	// ServerURL - адрес Bot API (для тестов).
	ServerURL string
	// Prefix - префикс текста оповещения.
	Prefix string
	// RequestTimeout - таймаут одного запроса к Bot API.
	RequestTimeout time.Duration
	// Throttle - минимальный интервал между оповещениями; более частые отбрасываются.
	Throttle time.Duration
	// Retry - политика повторов отправки.
	Retry retry.Config
	// Clock - источник времени для Throttle.
	Clock clock.Clock
	// Logger - логгер.
	Logger *slog.Logger
}

// Alerter отправляет сообщения об ошибках в Telegram.
type Alerter struct {
	bot      *bot.Bot
	client   *httpclient.Client
	chatID   int64
	prefix   string
	throttle time.Duration
	retry    retry.Config
	clock    clock.Clock
	logger   *slog.Logger

	mu         sync.Mutex
	lastSentAt time.Time
	throttled  uint64
}

var _ diag.Writer = (*Alerter)(nil)

// New создает отправителя. Запрос getMe при создании не выполняется.
func New(cfg Config) (*Alerter, error) {
	if cfg.Token == "" {
		return nil, ErrTokenRequired
	}
	if cfg.ChatID == 0 {
		return nil, ErrChatRequired
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	retryCfg.NextDelay = retryAfter
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("telegram alert retry", "attempt", attempt, "delay", delay, "error", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "loopsched"
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := httpclient.New(
		httpclient.WithTimeout(timeout),
		httpclient.WithLogger(logger),
		httpclient.WithHeaders(map[string]string{"User-Agent": prefix}),
	)

	opts := []bot.Option{bot.WithSkipGetMe(), bot.WithHTTPClient(timeout, client)}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	return &Alerter{
		bot:      b,
		client:   client,
		chatID:   cfg.ChatID,
		prefix:   prefix,
		throttle: cfg.Throttle,
		retry:    retryCfg,
		clock:    clk,
		logger:   logger,
	}, nil
}

// WriteEntry отправляет сообщение об ошибке. Остальные сообщения пропускаются.
func (a *Alerter) WriteEntry(ctx context.Context, e diag.Entry) error {
	if !e.IsError {
		return nil
	}
	if !a.allow() {
		return nil
	}

	params := &bot.SendMessageParams{
		ChatID: a.chatID,
		Text:   formatAlert(a.prefix, e),
	}

	err := retry.Do(ctx, a.retry, func(ctx context.Context) error {
		_, err := a.bot.SendMessage(ctx, params)
		if isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return shared.MarkKind(fmt.Errorf("telegram: send alert: %w", err), shared.KindDependencyFailure)
	}
	return nil
}

// Close закрывает простаивающие соединения с Bot API. Вызывается после
// остановки писателя, отправки после Close откроют новые соединения.
func (a *Alerter) Close() {
	a.client.CloseIdleConnections()
}

// Throttled возвращает число отброшенных из-за частоты оповещений.
func (a *Alerter) Throttled() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.throttled
}

func (a *Alerter) allow() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	if a.throttle > 0 && !a.lastSentAt.IsZero() && now.Sub(a.lastSentAt) < a.throttle {
		a.throttled++
		return false
	}
	a.lastSentAt = now
	return true
}

func formatAlert(prefix string, e diag.Entry) string {
	text := fmt.Sprintf("[%s] %s\n%s", prefix, e.Time.UTC().Format(time.RFC3339), e.Message)
	if len(text) <= MaxMessageLength {
		return text
	}

	cut := MaxMessageLength - len("…")
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

// isPermanent отмечает отказы, которые не исправятся повтором запроса.
func isPermanent(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, bot.ErrorBadRequest),
		errors.Is(err, bot.ErrorUnauthorized),
		errors.Is(err, bot.ErrorForbidden),
		errors.Is(err, bot.ErrorNotFound):
		return true
	}
	return false
}

// retryAfter учитывает retry_after из ответа 429.
func retryAfter(_ int, err error) (time.Duration, bool) {
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) && tooMany.RetryAfter > 0 {
		return time.Duration(tooMany.RetryAfter) * time.Second, true
	}
	return 0, false
}
