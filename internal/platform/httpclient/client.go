package httpclient

import (
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"regexp"
	"time"
)

// botPathPattern matches the token segment of Bot API paths (/bot<id>:<secret>/method).
var botPathPattern = regexp.MustCompile(`/bot\d+:[^/?#]+`)

// Client wraps http.Client with a tuned transport and request logging.
// It satisfies the Do(*http.Request) contract expected by API SDKs.
type Client struct {
	hc      *stdhttp.Client
	log     *slog.Logger
	headers map[string]string
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets request timeout.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			if c.headers == nil {
				c.headers = make(map[string]string)
			}
			c.headers[k] = v
		}
	}
}

// New creates configured Client. Bot API tokens are removed from logged URLs.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConns = 10
	tr.MaxIdleConnsPerHost = 2
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RedactBotToken returns the URL with the Bot API token and credentials masked.
func RedactBotToken(u *url.URL) string {
	return botPathPattern.ReplaceAllString(u.Redacted(), "/bot[REDACTED]")
}

// Do sends HTTP request with default headers and logging.
// Retries belong to the caller; a response is returned for any status code.
func (c *Client) Do(req *stdhttp.Request) (*stdhttp.Response, error) {
	for k, v := range c.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}

	u := RedactBotToken(req.URL)
	st := time.Now()
	resp, err := c.hc.Do(req)
	dur := time.Since(st)
	if err != nil {
		c.log.Warn("http request error", slog.String("method", req.Method), slog.String("url", u), slog.Duration("dur", dur), slog.Any("error", err))
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	c.log.Log(req.Context(), level, "http request", slog.String("method", req.Method), slog.String("url", u), slog.Int("status", resp.StatusCode), slog.Duration("dur", dur))
	return resp, nil
}

// CloseIdleConnections closes idle keep-alive connections of the transport.
func (c *Client) CloseIdleConnections() {
	c.hc.CloseIdleConnections()
}
