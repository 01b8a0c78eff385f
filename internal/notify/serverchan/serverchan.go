// Package serverchan delivers items through the ServerChan push service.
package serverchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// Name is the channel identifier.
const Name = "serverchan"

// DefaultBaseURL is the ServerChan Turbo endpoint.
const DefaultBaseURL = "https://sctapi.ftqq.com"

// Config configures the Notifier.
type Config struct {
	SendKey    string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Notifier posts form-encoded messages to <base>/<sendkey>.send.
type Notifier struct {
	path   string
	client *resty.Client
}

// New validates cfg and builds a Notifier.
func New(cfg Config) (*Notifier, error) {
	key := strings.TrimSpace(cfg.SendKey)
	if key == "" {
		return nil, errors.New("serverchan: sendkey is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		path:   "/" + url.PathEscape(key) + ".send",
		client: resty.NewWithClient(hc).SetBaseURL(base).SetLogger(logger.Named(Name).Sugar()),
	}, nil
}

// Name implements monitor.Notifier.
func (n *Notifier) Name() string { return Name }

// Send implements monitor.Notifier.
func (n *Notifier) Send(ctx context.Context, _ monitor.Account, item monitor.ContentItem) error {
	err := n.post(ctx, map[string]string{
		"title": item.Subject(),
		"desp":  item.Text(),
	})
	if err != nil {
		return &monitor.NotifyError{Channel: Name, ItemID: item.ID, Err: err}
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, form map[string]string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(n.path)
	if err != nil {
		// The sendkey is part of the URL.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("post message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	var decoded struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if decoded.Code != 0 {
		return fmt.Errorf("api error code %d: %s", decoded.Code, decoded.Message)
	}
	return nil
}
