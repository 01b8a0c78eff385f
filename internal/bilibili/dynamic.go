package bilibili

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

const (
	dynamicPath       = "/x/polymer/web-dynamic/v1/feed/space"
	fingerprintLength = 12
)

// Major content types of a feed item.
const (
	majorArchive = "MAJOR_TYPE_ARCHIVE"
	majorArticle = "MAJOR_TYPE_ARTICLE"
	majorLive    = "MAJOR_TYPE_LIVE"
	majorLiveRec = "MAJOR_TYPE_LIVE_RCMD"
	majorOpus    = "MAJOR_TYPE_OPUS"
	dynamicWord  = "DYNAMIC_TYPE_WORD"
)

// DynamicFetcher reads a creator's post feed.
type DynamicFetcher struct {
	client *Client
	limit  int
	hasher monitor.Hasher
	logger *zap.Logger
}

// NewDynamicFetcher builds a DynamicFetcher.
func NewDynamicFetcher(client *Client, opts Options) *DynamicFetcher {
	opts = opts.withDefaults()
	return &DynamicFetcher{
		client: client,
		limit:  opts.DynamicLimit,
		hasher: opts.Hasher,
		logger: opts.Logger.Named("dynamic"),
	}
}

// Kind implements monitor.Fetcher.
func (f *DynamicFetcher) Kind() monitor.Kind {
	return monitor.KindDynamic
}

type dynamicFeed struct {
	Items []dynamicItem `json:"items"`
}

type dynamicItem struct {
	IDStr   string  `json:"id_str"`
	ID      flexInt `json:"id"`
	Type    string  `json:"type"`
	Modules struct {
		Author *struct {
			Name  string  `json:"name"`
			PubTS flexInt `json:"pub_ts"`
		} `json:"module_author"`
		Dynamic struct {
			Type string `json:"type"`
			Desc *struct {
				Text string `json:"text"`
			} `json:"desc"`
			Major *dynamicMajor `json:"major"`
		} `json:"module_dynamic"`
	} `json:"modules"`
}

type dynamicMajor struct {
	Type    string `json:"type"`
	Archive *struct {
		Title string `json:"title"`
		BVID  string `json:"bvid"`
		Desc  string `json:"desc"`
	} `json:"archive"`
	Article *struct {
		Title   string `json:"title"`
		JumpURL string `json:"jump_url"`
		Desc    string `json:"desc"`
	} `json:"article"`
	Live *struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Content string `json:"content"`
	} `json:"live_rcmd"`
	Opus *struct {
		Title   string `json:"title"`
		JumpURL string `json:"jump_url"`
		Summary *struct {
			Text  string `json:"text"`
			Nodes []struct {
				Text string `json:"text"`
			} `json:"rich_text_nodes"`
		} `json:"summary"`
	} `json:"opus"`
}

// Fetch implements monitor.Fetcher.
func (f *DynamicFetcher) Fetch(ctx context.Context, account monitor.Account) ([]monitor.ContentItem, error) {
	req := request{
		kind: monitor.KindDynamic,
		mid:  account.MID,
		path: dynamicPath,
		params: baseParams(
			"host_mid", strconv.FormatInt(account.MID, 10),
			"timezone_offset", "-480",
			"features", "itemOpusStyle",
		),
		referer: spaceReferer(account.MID, "dynamic"),
	}
	var feed dynamicFeed
	if err := f.client.getJSON(ctx, req, &feed); err != nil {
		return nil, err
	}

	raw := feed.Items
	if len(raw) > f.limit {
		raw = raw[:f.limit]
	}
	items := make([]monitor.ContentItem, 0, len(raw))
	for _, entry := range raw {
		items = append(items, f.normalize(account, entry))
	}
	f.logger.Debug("fetched posts", zap.Int64("mid", account.MID), zap.Int("count", len(items)))
	return items, nil
}

func (f *DynamicFetcher) normalize(account monitor.Account, raw dynamicItem) monitor.ContentItem {
	postID := firstNonEmpty(strings.TrimSpace(raw.IDStr), raw.ID.String())
	item := monitor.ContentItem{Kind: monitor.KindDynamic, ID: postID}

	var pubTS flexInt
	if author := raw.Modules.Author; author != nil {
		item.Author = author.Name
		pubTS = author.PubTS
		item.PublishedAt = author.PubTS.Time()
	}
	desc := ""
	if raw.Modules.Dynamic.Desc != nil {
		desc = raw.Modules.Dynamic.Desc.Text
	}

	major := raw.Modules.Dynamic.Major
	if major == nil {
		major = &dynamicMajor{}
	}
	switch {
	case major.Type == majorArchive && major.Archive != nil:
		item.Title = firstNonEmpty(major.Archive.Title, "Video post")
		item.Summary = major.Archive.Desc
		if major.Archive.BVID != "" {
			item.URL = videoURL(major.Archive.BVID, 0)
		}
	case major.Type == majorArticle && major.Article != nil:
		item.Title = firstNonEmpty(major.Article.Title, "Article")
		item.Summary = major.Article.Desc
		item.URL = absoluteURL(major.Article.JumpURL)
	case (major.Type == majorLive || major.Type == majorLiveRec) && major.Live != nil:
		item.Title = firstNonEmpty(major.Live.Title, "Live stream")
		item.Summary = major.Live.Content
		item.URL = absoluteURL(major.Live.Link)
	case major.Type == majorOpus && major.Opus != nil:
		item.Title = firstNonEmpty(major.Opus.Title, "Post")
		item.URL = absoluteURL(major.Opus.JumpURL)
		if s := major.Opus.Summary; s != nil {
			item.Summary = s.Text
			if item.Summary == "" {
				var b strings.Builder
				for _, node := range s.Nodes {
					b.WriteString(node.Text)
				}
				item.Summary = b.String()
			}
		}
		if item.Summary == "" {
			item.Summary = desc
		}
	case raw.Type == dynamicWord || raw.Modules.Dynamic.Type == dynamicWord:
		item.Title = firstNonEmpty(desc, "Text post")
		item.Summary = item.Title
	}
	if item.Title == "" {
		item.Title = firstNonEmpty(desc, raw.Type, "Post")
		item.Summary = firstNonEmpty(item.Summary, desc)
	}

	if item.ID == "" {
		item.ID = fallbackDynamicID(f.hasher, account.MID, pubTS, item.Title)
		f.logger.Debug("post without identifier", zap.Int64("mid", account.MID), zap.String("id", item.ID))
	}
	if item.URL == "" {
		item.URL = "https://t.bilibili.com/" + postID
	}
	return item
}

// fallbackDynamicID keeps deduplication stable for posts that arrive without
// an identifier. Timestamped posts use the dynamic-<mid>-<pub_ts> form found
// in existing state files; undated posts add a title fingerprint so they do
// not all collapse into dynamic-<mid>-0.
func fallbackDynamicID(hasher monitor.Hasher, mid int64, pubTS flexInt, title string) string {
	if ts := pubTS.String(); ts != "" {
		return fmt.Sprintf("dynamic-%d-%s", mid, ts)
	}
	sum, err := hasher.Hash([]byte(strconv.FormatInt(mid, 10) + "\x00" + title))
	if err != nil || len(sum) < fingerprintLength {
		return fmt.Sprintf("dynamic-%d-0", mid)
	}
	return fmt.Sprintf("dynamic-%d-0-%s", mid, sum[:fingerprintLength])
}
