// Package telegram delivers items through the Telegram Bot API.
package telegram

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

// Name is the channel identifier used in logs, metrics and delivery records.
const Name = "telegram"

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Config configures the Notifier.
type Config struct {
	BotToken   string
	ChatID     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Notifier posts messages with sendMessage.
type Notifier struct {
	path   string
	chatID string
	client *resty.Client
}

// New validates cfg and builds a Notifier.
func New(cfg Config) (*Notifier, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram: bot_token and chat_id are required")
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
	client := resty.NewWithClient(hc).
		SetBaseURL(base).
		SetLogger(logger.Named(Name).Sugar())
	return &Notifier{
		path:   "/bot" + cfg.BotToken + "/sendMessage",
		chatID: cfg.ChatID,
		client: client,
	}, nil
}

// Name implements monitor.Notifier.
func (n *Notifier) Name() string { return Name }

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send implements monitor.Notifier.
func (n *Notifier) Send(ctx context.Context, _ monitor.Account, item monitor.ContentItem) error {
	if err := n.send(ctx, item.Text()); err != nil {
		return &monitor.NotifyError{Channel: Name, ItemID: item.ID, Err: err}
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, text string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sendMessageRequest{ChatID: n.chatID, Text: text}).
		Post(n.path)
	if err != nil {
		// The URL embeds the bot token; keep it out of the error text.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("post sendMessage: %w", err)
	}

	var decoded apiResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode(), err)
	}
	if resp.StatusCode() != http.StatusOK || !decoded.OK {
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode(), decoded.Description)
	}
	return nil
}
