// Package bilibili fetches creator activity from Bilibili's public web API and
// normalizes it into monitor.ContentItems.
package bilibili

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

const (
	// DefaultBaseURL is the public API host.
	DefaultBaseURL = "https://api.bilibili.com"
	// DefaultUserAgent mimics a desktop browser; the API rejects bare clients.
	DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultTimeout = 10 * time.Second
)

// Upstream API codes with a dedicated meaning.
const (
	codeOK          = 0
	codeNotLoggedIn = -101
	codeForbidden   = -403
	codeRiskControl = -352
	codeRateLimited = -799
	codeRequestBan  = -412
)

// Cookies are optional authenticated session cookies. Supplying them lowers
// the chance of hitting risk control.
type Cookies struct {
	SESSDATA        string `mapstructure:"sessdata"`
	BiliJct         string `mapstructure:"bili_jct"`
	Buvid3          string `mapstructure:"buvid3"`
	Buvid4          string `mapstructure:"buvid4"`
	DedeUserID      string `mapstructure:"dedeuserid"`
	DedeUserIDCkMd5 string `mapstructure:"dedeuserid_ckmd5"`
}

func (c Cookies) header() string {
	pairs := map[string]string{
		"SESSDATA":          c.SESSDATA,
		"bili_jct":          c.BiliJct,
		"buvid3":            c.Buvid3,
		"buvid4":            c.Buvid4,
		"DedeUserID":        c.DedeUserID,
		"DedeUserID__ckMd5": c.DedeUserIDCkMd5,
	}
	names := make([]string, 0, len(pairs))
	for name, value := range pairs {
		if strings.TrimSpace(value) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+pairs[name])
	}
	return strings.Join(parts, "; ")
}

// Limiter throttles calls per endpoint.
type Limiter interface {
	Wait(ctx context.Context, endpoint string) error
}

// Config controls the API client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Cookies   Cookies
	// Limiter, when set, is consulted before every call, retries and WBI key
	// fetches included. Pair calls use the kind as endpoint, key fetches "nav".
	Limiter Limiter
	Logger  *zap.Logger
}

// Client performs JSON API calls through a Colly collector.
type Client struct {
	cfg           Config
	baseURL       *url.URL
	cookieHeader  string
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewClient builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())

	return &Client{
		cfg:           cfg,
		baseURL:       base,
		cookieHeader:  cfg.Cookies.header(),
		baseCollector: c,
		logger:        cfg.Logger,
	}, nil
}

// envelope is the common response wrapper of every endpoint.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) text() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Msg != "" {
		return e.Msg
	}
	return "unknown error"
}

// request describes one API call.
type request struct {
	kind     monitor.Kind
	mid      int64
	path     string
	params   url.Values
	rawQuery string // sent verbatim instead of params when set
	referer  string
}

func (r request) endpoint() string {
	if r.kind == "" {
		return navEndpoint
	}
	return string(r.kind)
}

// getEnvelope performs the call and decodes the wrapper without checking the
// API code.
func (c *Client) getEnvelope(ctx context.Context, req request) (envelope, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx, req.endpoint()); err != nil {
			return envelope{}, c.fetchError(req, monitor.ReasonNetwork, 0, err)
		}
	}

	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + req.path
	switch {
	case req.rawQuery != "":
		target.RawQuery = req.rawQuery
	case len(req.params) > 0:
		target.RawQuery = req.params.Encode()
	}

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector := c.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.UserAgent = c.cfg.UserAgent
	collector.SetRequestTimeout(c.cfg.Timeout)
	c.configureHooks(collector, req, &body, &statusCode, &fetchErr)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target.String())
	}()

	select {
	case <-ctx.Done():
		return envelope{}, c.fetchError(req, monitor.ReasonNetwork, 0, fmt.Errorf("request canceled: %w", ctx.Err()))
	case err := <-done:
		if fetchErr == nil {
			fetchErr = err
		}
	}
	c.logger.Debug("api call finished",
		zap.String("path", req.path),
		zap.Int64("mid", req.mid),
		zap.Int("status", statusCode),
		zap.Duration("duration", time.Since(start)),
	)
	if fetchErr != nil {
		return envelope{}, c.fetchError(req, classifyTransport(statusCode, fetchErr), 0, fetchErr)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, c.fetchError(req, monitor.ReasonParse, 0, fmt.Errorf("decode response: %w", err))
	}
	return env, nil
}

// getJSON performs the call, checks the API code and decodes data into out.
func (c *Client) getJSON(ctx context.Context, req request, out any) error {
	env, err := c.getEnvelope(ctx, req)
	if err != nil {
		return err
	}
	if env.Code != codeOK {
		return c.fetchError(req, classifyCode(env.Code), env.Code, errors.New(env.text()))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return c.fetchError(req, monitor.ReasonParse, 0, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func (c *Client) configureHooks(
	hooks collectorHooks,
	req request,
	body *[]byte,
	statusCode *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json, text/plain, */*")
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
		r.Headers.Set("Origin", "https://space.bilibili.com")
		referer := req.referer
		if referer == "" {
			referer = "https://www.bilibili.com/"
		}
		r.Headers.Set("Referer", referer)
		if c.cookieHeader != "" {
			r.Headers.Set("Cookie", c.cookieHeader)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*statusCode = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (c *Client) fetchError(req request, reason monitor.FetchReason, code int, err error) *monitor.FetchError {
	return &monitor.FetchError{Kind: req.kind, MID: req.mid, Reason: reason, Code: code, Err: err}
}

func classifyCode(code int) monitor.FetchReason {
	switch code {
	case codeRiskControl:
		return monitor.ReasonRiskControl
	case codeRateLimited, codeRequestBan:
		return monitor.ReasonRateLimit
	case codeNotLoggedIn, codeForbidden:
		return monitor.ReasonAuth
	default:
		return monitor.ReasonUpstream
	}
}

func classifyTransport(status int, err error) monitor.FetchReason {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPreconditionFailed:
		return monitor.ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return monitor.ReasonAuth
	case status >= http.StatusInternalServerError:
		return monitor.ReasonNetwork
	case status >= http.StatusBadRequest:
		return monitor.ReasonUpstream
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return monitor.ReasonNetwork
	}
	return monitor.ReasonNetwork
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
