package bilibili

import (
	"context"
	"crypto/md5" //nolint:gosec // the upstream signature scheme mandates MD5
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

const (
	navPath        = "/x/web-interface/nav"
	navEndpoint    = "nav"
	wbiKeyTTL      = time.Hour
	webLocation    = "1550101"
	mixinKeyLength = 32
)

var mixinKeyEncTab = [...]int{
	46, 47, 18, 2, 53, 8, 23, 13, 41, 3, 10, 34, 6, 29, 58, 45,
	4, 14, 57, 12, 37, 27, 43, 5, 49, 26, 38, 54, 63, 9, 7, 61,
	21, 48, 32, 16, 50, 28, 15, 39, 56, 62, 35, 1, 60, 59, 24, 40,
	44, 30, 52, 0, 33, 51, 22, 31, 19, 11, 36, 55, 25, 17, 42, 20,
}

var wbiStripper = strings.NewReplacer("!", "", "'", "", "(", "", ")", "", "*", "")

// mixinKey permutes the concatenated image and sub keys and keeps the first
// 32 characters.
func mixinKey(imgKey, subKey string) string {
	raw := imgKey + subKey
	var b strings.Builder
	for _, idx := range mixinKeyEncTab {
		if idx < len(raw) {
			b.WriteByte(raw[idx])
		}
		if b.Len() == mixinKeyLength {
			break
		}
	}
	return b.String()
}

// signQuery returns the encoded query with wts and w_rid appended.
func signQuery(params url.Values, mixin string, now time.Time) string {
	signed := make(url.Values, len(params)+2)
	for key, values := range params {
		for _, v := range values {
			signed.Add(key, wbiStripper.Replace(v))
		}
	}
	if signed.Get("web_location") == "" {
		signed.Set("web_location", webLocation)
	}
	signed.Set("wts", strconv.FormatInt(now.Unix(), 10))

	query := signed.Encode()
	sum := md5.Sum([]byte(query + mixin)) //nolint:gosec // protocol requirement
	return query + "&w_rid=" + hex.EncodeToString(sum[:])
}

const mouseAlphabet = "ABCDEFGHIJK"

// withMouse adds the browser fingerprint fields the space endpoints expect
// alongside a WBI signature. Existing values are kept.
func withMouse(params url.Values) url.Values {
	out := make(url.Values, len(params)+4)
	for key, values := range params {
		out[key] = append([]string(nil), values...)
	}
	defaults := map[string]string{
		"dm_img_list":      "[]",
		"dm_img_str":       randomLetters(2),
		"dm_cover_img_str": randomLetters(2),
		"dm_img_inter":     `{"ds":[],"wh":[0,0,0],"of":[0,0,0]}`,
	}
	for key, value := range defaults {
		if out.Get(key) == "" {
			out.Set(key, value)
		}
	}
	return out
}

func randomLetters(n int) string {
	perm := rand.Perm(len(mouseAlphabet))
	b := make([]byte, 0, n)
	for _, idx := range perm[:n] {
		b = append(b, mouseAlphabet[idx])
	}
	return string(b)
}

// keyStem extracts the file name without extension from a key image URL.
func keyStem(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Signer caches the WBI mixin key fetched from the nav endpoint.
type Signer struct {
	client *Client
	clock  monitor.Clock

	mu        sync.Mutex
	mixin     string
	fetchedAt time.Time
}

// NewSigner builds a Signer backed by client.
func NewSigner(client *Client, clock monitor.Clock) *Signer {
	return &Signer{client: client, clock: clock}
}

// Invalidate drops the cached key so the next Sign refetches it.
func (s *Signer) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mixin = ""
	s.fetchedAt = time.Time{}
}

// Sign returns the signed, encoded query for params.
func (s *Signer) Sign(ctx context.Context, params url.Values) (string, error) {
	mixin, err := s.key(ctx)
	if err != nil {
		return "", err
	}
	return signQuery(params, mixin, s.clock.Now()), nil
}

func (s *Signer) key(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.mixin != "" && now.Sub(s.fetchedAt) < wbiKeyTTL {
		return s.mixin, nil
	}

	// The nav endpoint answers -101 for anonymous sessions but still carries
	// the key images.
	env, err := s.client.getEnvelope(ctx, request{path: navPath})
	if err != nil {
		return "", fmt.Errorf("fetch wbi keys: %w", err)
	}
	var nav struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &nav); err != nil {
			return "", fmt.Errorf("decode wbi keys: %w", err)
		}
	}
	imgKey, subKey := keyStem(nav.WbiImg.ImgURL), keyStem(nav.WbiImg.SubURL)
	if imgKey == "" || subKey == "" {
		return "", errors.New("wbi keys missing from nav response")
	}
	s.mixin = mixinKey(imgKey, subKey)
	s.fetchedAt = now
	return s.mixin, nil
}
