package bilibili

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

const videoPath = "/x/space/arc/search"

// VideoFetcher lists a creator's uploaded videos.
type VideoFetcher struct {
	client   *Client
	signer   *Signer
	pageSize int
	delay    time.Duration
	logger   *zap.Logger
}

// NewVideoFetcher builds a VideoFetcher.
func NewVideoFetcher(client *Client, signer *Signer, opts Options) *VideoFetcher {
	opts = opts.withDefaults()
	return &VideoFetcher{
		client:   client,
		signer:   signer,
		pageSize: opts.PageSize,
		delay:    opts.KeyRefreshDelay,
		logger:   opts.Logger.Named("video"),
	}
}

// Kind implements monitor.Fetcher.
func (f *VideoFetcher) Kind() monitor.Kind {
	return monitor.KindVideo
}

type videoPage struct {
	List struct {
		VList []struct {
			BVID        string  `json:"bvid"`
			AID         flexInt `json:"aid"`
			Title       string  `json:"title"`
			Description string  `json:"description"`
			Created     flexInt `json:"created"`
			Author      string  `json:"author"`
		} `json:"vlist"`
	} `json:"list"`
}

// Fetch implements monitor.Fetcher.
func (f *VideoFetcher) Fetch(ctx context.Context, account monitor.Account) ([]monitor.ContentItem, error) {
	req := request{
		kind: monitor.KindVideo,
		mid:  account.MID,
		path: videoPath,
		params: baseParams(
			"mid", strconv.FormatInt(account.MID, 10),
			"pn", "1",
			"ps", strconv.Itoa(f.pageSize),
			"platform", "web",
		),
		referer: spaceReferer(account.MID, "video"),
	}
	var page videoPage
	if err := signedGet(ctx, f.client, f.signer, req, f.delay, f.logger, &page); err != nil {
		return nil, err
	}

	items := make([]monitor.ContentItem, 0, len(page.List.VList))
	for _, raw := range page.List.VList {
		id := raw.BVID
		if id == "" {
			id = raw.AID.String()
		}
		if id == "" {
			continue
		}
		items = append(items, monitor.ContentItem{
			Kind:        monitor.KindVideo,
			ID:          id,
			PublishedAt: raw.Created.Time(),
			Title:       firstNonEmpty(raw.Title, "Video"),
			Summary:     raw.Description,
			URL:         videoURL(raw.BVID, raw.AID),
			Author:      raw.Author,
		})
	}
	f.logger.Debug("fetched videos", zap.Int64("mid", account.MID), zap.Int("count", len(items)))
	return items, nil
}

func videoURL(bvid string, aid flexInt) string {
	if bvid != "" {
		return "https://www.bilibili.com/video/" + bvid
	}
	return fmt.Sprintf("https://www.bilibili.com/video/av%d", int64(aid))
}
