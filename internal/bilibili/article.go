package bilibili

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

const articlePath = "/x/space/article"

// ArticleFetcher lists a creator's long-form articles.
type ArticleFetcher struct {
	client   *Client
	signer   *Signer
	pageSize int
	delay    time.Duration
	logger   *zap.Logger
}

// NewArticleFetcher builds an ArticleFetcher.
func NewArticleFetcher(client *Client, signer *Signer, opts Options) *ArticleFetcher {
	opts = opts.withDefaults()
	return &ArticleFetcher{
		client:   client,
		signer:   signer,
		pageSize: opts.PageSize,
		delay:    opts.KeyRefreshDelay,
		logger:   opts.Logger.Named("article"),
	}
}

// Kind implements monitor.Fetcher.
func (f *ArticleFetcher) Kind() monitor.Kind {
	return monitor.KindArticle
}

type articlePage struct {
	Articles []struct {
		ID          flexInt `json:"id"`
		CVID        flexInt `json:"cvid"`
		Title       string  `json:"title"`
		Summary     string  `json:"summary"`
		PublishTime flexInt `json:"publish_time"`
		AuthorName  string  `json:"author_name"`
		Author      *struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"articles"`
}

// Fetch implements monitor.Fetcher.
func (f *ArticleFetcher) Fetch(ctx context.Context, account monitor.Account) ([]monitor.ContentItem, error) {
	req := request{
		kind: monitor.KindArticle,
		mid:  account.MID,
		path: articlePath,
		params: baseParams(
			"mid", strconv.FormatInt(account.MID, 10),
			"pn", "1",
			"ps", strconv.Itoa(f.pageSize),
			"sort", "publish_time",
		),
		referer: spaceReferer(account.MID, "article"),
	}
	var page articlePage
	if err := signedGet(ctx, f.client, f.signer, req, f.delay, f.logger, &page); err != nil {
		return nil, err
	}

	raw := page.Articles
	if len(raw) > f.pageSize {
		raw = raw[:f.pageSize]
	}
	items := make([]monitor.ContentItem, 0, len(raw))
	for _, a := range raw {
		id := firstNonEmpty(a.ID.String(), a.CVID.String())
		if id == "" {
			continue
		}
		author := a.AuthorName
		if author == "" && a.Author != nil {
			author = a.Author.Name
		}
		items = append(items, monitor.ContentItem{
			Kind:        monitor.KindArticle,
			ID:          id,
			PublishedAt: a.PublishTime.Time(),
			Title:       firstNonEmpty(a.Title, "Article"),
			Summary:     a.Summary,
			URL:         "https://www.bilibili.com/read/cv" + id,
			Author:      author,
		})
	}
	f.logger.Debug("fetched articles", zap.Int64("mid", account.MID), zap.Int("count", len(items)))
	return items, nil
}
