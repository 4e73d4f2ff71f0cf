package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	Scheduler struct {
		Resolution  time.Duration `validate:"min=1ms,max=1s"`
		Slack       time.Duration `validate:"min=1ms,max=1s"`
		MinInterval time.Duration `validate:"min=1ms,max=1s"`
	}
	Pump struct {
		Interval  time.Duration `validate:"min=1ms"`
		MaxEvents int           `validate:"min=1,max=10000"`
		Mailbox   int           `validate:"min=1"`
	}
	Heartbeat struct {
		// Cron is empty when the heartbeat is disabled.
		Cron string
	}
	HTTP struct {
		// Addr is empty when the status server is disabled.
		Addr           string
		RequestTimeout time.Duration `validate:"min=1ms"`
	}
	Journal struct {
		// Path is empty when the journal is disabled.
		Path      string
		Retention time.Duration `validate:"min=0"`
	}
	Telegram struct {
		Token    string        `validate:"required_with=ChatID"`
		ChatID   int64         `validate:"required_with=Token"`
		Throttle time.Duration `validate:"min=0"`
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var (
		c    Config
		errs []error
	)
	c.Env = getenv("ENV", "prod")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/loopsched.log")

	c.Scheduler.Resolution = getDuration("SCHED_RESOLUTION", 10*time.Millisecond, &errs)
	c.Scheduler.Slack = getDuration("SCHED_SLACK", 10*time.Millisecond, &errs)
	c.Scheduler.MinInterval = getDuration("SCHED_MIN_INTERVAL", 10*time.Millisecond, &errs)

	c.Pump.Interval = getDuration("PUMP_INTERVAL", 100*time.Millisecond, &errs)
	c.Pump.MaxEvents = getInt("PUMP_MAX_EVENTS", 64, &errs)
	c.Pump.Mailbox = getInt("PUMP_MAILBOX_SIZE", 256, &errs)

	c.Heartbeat.Cron = lookupenv("HEARTBEAT_CRON", "@every 1m")

	c.HTTP.Addr = lookupenv("HTTP_ADDR", ":8080")
	c.HTTP.RequestTimeout = getDuration("HTTP_REQUEST_TIMEOUT", 2*time.Second, &errs)

	c.Journal.Path = os.Getenv("JOURNAL_PATH")
	c.Journal.Retention = getDuration("JOURNAL_RETENTION", 7*24*time.Hour, &errs)

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	c.Telegram.ChatID = getInt64("TELEGRAM_ALERT_CHAT_ID", &errs)
	c.Telegram.Throttle = getDuration("TELEGRAM_ALERT_THROTTLE", 30*time.Second, &errs)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// lookupenv returns def only when k is unset, so an explicit empty value disables a feature.
func lookupenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func getDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

func getInt(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func getInt64(k string, errs *[]error) int64 {
	v := os.Getenv(k)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return 0
	}
	return n
}
