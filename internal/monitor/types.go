package monitor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind is the content-type discriminant carried by every ContentItem.
type Kind string

// Supported content kinds.
const (
	KindDynamic Kind = "dynamic"
	KindVideo   Kind = "video"
	KindArticle Kind = "article"
)

// AllKinds lists every supported kind in fetch order.
var AllKinds = []Kind{KindDynamic, KindVideo, KindArticle}

// ParseKind converts a config or state key into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindDynamic:
		return KindDynamic, nil
	case KindVideo:
		return KindVideo, nil
	case KindArticle:
		return KindArticle, nil
	default:
		return "", fmt.Errorf("unknown content kind %q", raw)
	}
}

// Label is the human readable name used in notifications.
func (k Kind) Label() string {
	switch k {
	case KindDynamic:
		return "Post"
	case KindVideo:
		return "Video"
	case KindArticle:
		return "Article"
	default:
		return string(k)
	}
}

// Account is a monitored creator.
type Account struct {
	MID   int64
	Name  string
	Kinds []Kind
}

// DisplayName returns the configured name, falling back to the numeric ID.
func (a Account) DisplayName() string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return strconv.FormatInt(a.MID, 10)
}

// Enabled reports whether kind should be fetched for the account.
func (a Account) Enabled(kind Kind) bool {
	for _, k := range a.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ContentItem is one normalized publication. Fetchers build it once and it is
// never mutated afterwards.
type ContentItem struct {
	Kind        Kind
	ID          string
	PublishedAt time.Time
	Title       string
	Summary     string
	URL         string
	Author      string
}

const maxSummaryRunes = 300

// ShanghaiTZ is the upstream platform's local time zone.
var ShanghaiTZ = loadShanghai()

func loadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*60*60)
	}
	return loc
}

// Lines renders the item as plain-text notification lines.
func (c ContentItem) Lines() []string {
	published := "unknown time"
	if !c.PublishedAt.IsZero() {
		published = c.PublishedAt.In(ShanghaiTZ).Format("2006-01-02 15:04:05")
	}
	author := c.Author
	if author == "" {
		author = "unknown"
	}
	lines := []string{
		fmt.Sprintf("[%s] %s", c.Kind.Label(), c.Title),
		"Author: " + author,
		"Time: " + published,
		"Link: " + c.URL,
	}
	if summary := truncate(strings.TrimSpace(c.Summary), maxSummaryRunes); summary != "" {
		lines = append(lines, "Content: "+summary)
	}
	return lines
}

// Text joins Lines with newlines.
func (c ContentItem) Text() string {
	return strings.Join(c.Lines(), "\n")
}

// Subject is the one-line headline used by email and push channels.
func (c ContentItem) Subject() string {
	return fmt.Sprintf("%s update: %s", c.Kind.Label(), c.Title)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

// PairKey identifies one (account, kind) pair.
type PairKey struct {
	MID  int64
	Kind Kind
}

func (p PairKey) String() string {
	return fmt.Sprintf("%d/%s", p.MID, p.Kind)
}
