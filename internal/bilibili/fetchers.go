package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/clock/system"
	"github.com/JakeFAU/bilibili-notifier/internal/hash/sha256"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// DefaultDynamicLimit is the number of posts kept from one feed page.
const DefaultDynamicLimit = 20

const (
	defaultPageSize   = 10
	defaultKeyRefresh = 500 * time.Millisecond
)

// Options configures the fetchers built by NewFetchers.
type Options struct {
	// PageSize is the number of videos and articles requested per call.
	PageSize int
	// DynamicLimit caps the number of posts kept from one feed page.
	DynamicLimit int
	// KeyRefreshDelay is the pause before retrying with a refreshed WBI key.
	KeyRefreshDelay time.Duration
	// Hasher fingerprints undated posts that arrive without an identifier.
	Hasher monitor.Hasher
	Clock  monitor.Clock
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.DynamicLimit <= 0 {
		o.DynamicLimit = DefaultDynamicLimit
	}
	if o.KeyRefreshDelay <= 0 {
		o.KeyRefreshDelay = defaultKeyRefresh
	}
	if o.Hasher == nil {
		o.Hasher = sha256.New()
	}
	if o.Clock == nil {
		o.Clock = system.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// NewFetchers returns one Fetcher per supported kind sharing client and a
// single WBI signer.
func NewFetchers(client *Client, opts Options) map[monitor.Kind]monitor.Fetcher {
	opts = opts.withDefaults()
	signer := NewSigner(client, opts.Clock)
	return map[monitor.Kind]monitor.Fetcher{
		monitor.KindDynamic: NewDynamicFetcher(client, opts),
		monitor.KindVideo:   NewVideoFetcher(client, signer, opts),
		monitor.KindArticle: NewArticleFetcher(client, signer, opts),
	}
}

// signedGet signs params, performs the call and retries once with a fresh
// key when the upstream rejects the signature.
func signedGet(
	ctx context.Context,
	client *Client,
	signer *Signer,
	req request,
	delay time.Duration,
	logger *zap.Logger,
	out any,
) error {
	base := req.params
	for attempt := 0; ; attempt++ {
		query, err := signer.Sign(ctx, withMouse(base))
		if err != nil {
			return wrapForPair(req, err)
		}
		req.rawQuery = query
		err = client.getJSON(ctx, req, out)
		fe, ok := monitor.AsFetchError(err)
		if !ok || attempt > 0 || (fe.Code != codeRateLimited && fe.Code != codeForbidden) {
			return err
		}
		logger.Debug("refreshing wbi key after rejected signature",
			zap.Int64("mid", req.mid),
			zap.String("kind", string(req.kind)),
			zap.Int("code", fe.Code),
		)
		signer.Invalidate()
		if err := sleep(ctx, delay); err != nil {
			return &monitor.FetchError{Kind: req.kind, MID: req.mid, Reason: monitor.ReasonNetwork, Err: err}
		}
	}
}

// wrapForPair attributes an error raised outside the pair's own call, such as
// a WBI key fetch, to the pair.
func wrapForPair(req request, err error) error {
	reason := monitor.ReasonUpstream
	if fe, ok := monitor.AsFetchError(err); ok {
		reason = fe.Reason
	}
	return &monitor.FetchError{Kind: req.kind, MID: req.mid, Reason: reason, Err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func spaceReferer(mid int64, tab string) string {
	return fmt.Sprintf("https://space.bilibili.com/%d/%s", mid, tab)
}

func baseParams(kv ...string) url.Values {
	v := make(url.Values, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v
}

// flexInt decodes integers that the API sometimes quotes.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse quoted integer %q: %w", s, err)
		}
		*f = flexInt(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("parse integer %q: %w", n, err)
	}
	*f = flexInt(i)
	return nil
}

func (f flexInt) String() string {
	if f == 0 {
		return ""
	}
	return strconv.FormatInt(int64(f), 10)
}

func (f flexInt) Time() time.Time {
	if f <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(f), 0).UTC()
}

// absoluteURL turns protocol-relative links into https links.
func absoluteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		return "https:" + raw
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
