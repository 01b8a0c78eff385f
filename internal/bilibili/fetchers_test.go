package bilibili

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bilibili-notifier/internal/hash/sha256"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

const navBody = `{"code":-101,"message":"not logged in","data":{"isLogin":false,"wbi_img":{
"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",
"sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`

var testAccount = monitor.Account{MID: 42, Name: "tester"}

// endpointLog records every limiter wait.
type endpointLog struct {
	mu    sync.Mutex
	waits []string
}

func (l *endpointLog) Wait(_ context.Context, endpoint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits = append(l.waits, endpoint)
	return nil
}

func (l *endpointLog) endpoints() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.waits...)
}

func newTestAPI(t *testing.T, handler http.Handler) (map[monitor.Kind]monitor.Fetcher, *httptest.Server) {
	t.Helper()
	return newLimitedTestAPI(t, handler, nil)
}

func newLimitedTestAPI(t *testing.T, handler http.Handler, limiter Limiter) (map[monitor.Kind]monitor.Fetcher, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
		Cookies: Cookies{SESSDATA: "sess"},
		Limiter: limiter,
	})
	require.NoError(t, err)
	fetchers := NewFetchers(client, Options{
		PageSize:        5,
		KeyRefreshDelay: time.Millisecond,
		Clock:           fixedClock{now: time.Unix(1702204169, 0)},
	})
	return fetchers, srv
}

func TestDynamicFetcherNormalizesFeed(t *testing.T) {
	t.Parallel()

	body := `{"code":0,"data":{"items":[
{"id_str":"900","type":"DYNAMIC_TYPE_AV","modules":{"module_author":{"name":"Up","pub_ts":1700000300},
 "module_dynamic":{"major":{"type":"MAJOR_TYPE_ARCHIVE","archive":{"title":"New video","bvid":"BV1ab","desc":"watch"}}}}},
{"id_str":"899","type":"DYNAMIC_TYPE_DRAW","modules":{"module_author":{"name":"Up","pub_ts":"1700000200"},
 "module_dynamic":{"major":{"type":"MAJOR_TYPE_OPUS","opus":{"title":"","jump_url":"//www.bilibili.com/opus/899",
 "summary":{"text":"","rich_text_nodes":[{"text":"hello "},{"text":"world"}]}}}}}},
{"id_str":"898","type":"DYNAMIC_TYPE_WORD","modules":{"module_author":{"name":"Up","pub_ts":1700000100},
 "module_dynamic":{"desc":{"text":"just words"}}}},
{"id_str":"","type":"DYNAMIC_TYPE_FORWARD","modules":{"module_author":{"name":"Up","pub_ts":1700000000},
 "module_dynamic":{"desc":{"text":"forwarded"}}}}
]}}`

	var gotReferer, gotCookie, gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc(dynamicPath, func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotCookie = r.Header.Get("Cookie")
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, body)
	})
	fetchers, _ := newTestAPI(t, mux)

	items, err := fetchers[monitor.KindDynamic].Fetch(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, "https://space.bilibili.com/42/dynamic", gotReferer)
	assert.Equal(t, "SESSDATA=sess", gotCookie)
	assert.Contains(t, gotQuery, "host_mid=42")

	assert.Equal(t, monitor.ContentItem{
		Kind:        monitor.KindDynamic,
		ID:          "900",
		PublishedAt: time.Unix(1700000300, 0).UTC(),
		Title:       "New video",
		Summary:     "watch",
		URL:         "https://www.bilibili.com/video/BV1ab",
		Author:      "Up",
	}, items[0])

	assert.Equal(t, "Post", items[1].Title)
	assert.Equal(t, "hello world", items[1].Summary)
	assert.Equal(t, "https://www.bilibili.com/opus/899", items[1].URL)
	assert.Equal(t, time.Unix(1700000200, 0).UTC(), items[1].PublishedAt)

	assert.Equal(t, "just words", items[2].Title)
	assert.Equal(t, "https://t.bilibili.com/898", items[2].URL)

	assert.Equal(t, "dynamic-42-1700000000", items[3].ID)
	assert.Equal(t, "forwarded", items[3].Title)
	assert.Equal(t, "https://t.bilibili.com/", items[3].URL)
}

func TestFallbackDynamicID(t *testing.T) {
	t.Parallel()

	hasher := sha256.New()
	assert.Equal(t, "dynamic-1-100", fallbackDynamicID(hasher, 1, 100, "title"))
	assert.Equal(t, "dynamic-1-100", fallbackDynamicID(hasher, 1, 100, "other"))

	undated := fallbackDynamicID(hasher, 1, 0, "title")
	assert.True(t, strings.HasPrefix(undated, "dynamic-1-0-"), undated)
	assert.Len(t, undated, len("dynamic-1-0-")+fingerprintLength)
	assert.Equal(t, undated, fallbackDynamicID(hasher, 1, 0, "title"))
	assert.NotEqual(t, undated, fallbackDynamicID(hasher, 1, 0, "other"))

	assert.Equal(t, "dynamic-1-0", fallbackDynamicID(failingHasher{}, 1, 0, "title"))
}

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) { return "", errors.New("no digest") }

func TestDynamicFetcherFallsBackToNumericID(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc(dynamicPath, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"items":[
{"id":901,"type":"DYNAMIC_TYPE_WORD","modules":{"module_author":{"name":"Up","pub_ts":1700000400},
 "module_dynamic":{"desc":{"text":"numeric id"}}}}]}}`)
	})
	fetchers, _ := newTestAPI(t, mux)

	items, err := fetchers[monitor.KindDynamic].Fetch(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "901", items[0].ID)
	assert.Equal(t, "https://t.bilibili.com/901", items[0].URL)
}

func TestVideoFetcherSignsAndParses(t *testing.T) {
	t.Parallel()

	var query string
	mux := http.NewServeMux()
	mux.HandleFunc(navPath, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, navBody)
	})
	mux.HandleFunc(videoPath, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		fmt.Fprint(w, `{"code":0,"data":{"list":{"vlist":[
{"bvid":"BV2","aid":2,"title":"Second","description":"d2","created":1700000200,"author":"Up"},
{"bvid":"","aid":1,"title":"","description":"","created":1700000100,"author":"Up"}
]}}}`)
	})
	fetchers, _ := newTestAPI(t, mux)

	items, err := fetchers[monitor.KindVideo].Fetch(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Contains(t, query, "mid=42")
	assert.Contains(t, query, "ps=5")
	assert.Contains(t, query, "wts=1702204169")
	assert.Contains(t, query, "&w_rid=")

	assert.Equal(t, "BV2", items[0].ID)
	assert.Equal(t, "https://www.bilibili.com/video/BV2", items[0].URL)
	assert.Equal(t, "1", items[1].ID)
	assert.Equal(t, "Video", items[1].Title)
	assert.Equal(t, "https://www.bilibili.com/video/av1", items[1].URL)
}

func TestSignedFetchRefreshesKeyOnce(t *testing.T) {
	t.Parallel()

	var navCalls, articleCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(navPath, func(w http.ResponseWriter, _ *http.Request) {
		navCalls.Add(1)
		fmt.Fprint(w, navBody)
	})
	mux.HandleFunc(articlePath, func(w http.ResponseWriter, _ *http.Request) {
		if articleCalls.Add(1) == 1 {
			fmt.Fprint(w, `{"code":-799,"message":"too frequent"}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"articles":[
{"id":77,"title":"Essay","summary":"s","publish_time":1700000000,"author":{"name":"Up"}}]}}`)
	})
	fetchers, _ := newTestAPI(t, mux)

	items, err := fetchers[monitor.KindArticle].Fetch(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "77", items[0].ID)
	assert.Equal(t, "https://www.bilibili.com/read/cv77", items[0].URL)
	assert.Equal(t, "Up", items[0].Author)
	assert.EqualValues(t, 2, navCalls.Load())
	assert.EqualValues(t, 2, articleCalls.Load())
}

func TestEveryUpstreamCallWaitsForLimiter(t *testing.T) {
	t.Parallel()

	var articleCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(navPath, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, navBody)
	})
	mux.HandleFunc(articlePath, func(w http.ResponseWriter, _ *http.Request) {
		if articleCalls.Add(1) == 1 {
			fmt.Fprint(w, `{"code":-799,"message":"too frequent"}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"articles":[]}}`)
	})
	limiter := &endpointLog{}
	fetchers, _ := newLimitedTestAPI(t, mux, limiter)

	fetcher := WithRetry(fetchers[monitor.KindArticle], RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond})
	_, err := fetcher.Fetch(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, []string{"nav", "article", "nav", "article"}, limiter.endpoints())
}

type denyLimiter struct{}

func (denyLimiter) Wait(context.Context, string) error { return errors.New("limiter closed") }

func TestLimiterFailureIsFetchError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	fetchers, _ := newLimitedTestAPI(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}), denyLimiter{})

	_, err := fetchers[monitor.KindDynamic].Fetch(context.Background(), testAccount)
	fe, ok := monitor.AsFetchError(err)
	require.True(t, ok)
	assert.Equal(t, monitor.ReasonNetwork, fe.Reason)
	assert.Zero(t, calls.Load())
}

func TestFetchErrorsAreClassified(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		reason monitor.FetchReason
		code   int
	}{
		{name: "risk control", status: http.StatusOK, body: `{"code":-352,"message":"risk"}`, reason: monitor.ReasonRiskControl, code: -352},
		{name: "not logged in", status: http.StatusOK, body: `{"code":-101,"message":"login"}`, reason: monitor.ReasonAuth, code: -101},
		{name: "other code", status: http.StatusOK, body: `{"code":-404,"message":"missing"}`, reason: monitor.ReasonUpstream, code: -404},
		{name: "malformed", status: http.StatusOK, body: `{"code":`, reason: monitor.ReasonParse},
		{name: "http 412", status: http.StatusPreconditionFailed, body: `blocked`, reason: monitor.ReasonRateLimit},
		{name: "http 503", status: http.StatusServiceUnavailable, body: `down`, reason: monitor.ReasonNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mux := http.NewServeMux()
			mux.HandleFunc(dynamicPath, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})
			fetchers, _ := newTestAPI(t, mux)

			_, err := fetchers[monitor.KindDynamic].Fetch(context.Background(), testAccount)
			fe, ok := monitor.AsFetchError(err)
			require.True(t, ok, "expected FetchError, got %v", err)
			assert.Equal(t, tc.reason, fe.Reason)
			assert.Equal(t, tc.code, fe.Code)
			assert.Equal(t, monitor.KindDynamic, fe.Kind)
			assert.EqualValues(t, 42, fe.MID)
		})
	}
}

func TestFetchHonorsContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc(dynamicPath, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		fmt.Fprint(w, `{"code":0,"data":{"items":[]}}`)
	})
	fetchers, _ := newTestAPI(t, mux)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := fetchers[monitor.KindDynamic].Fetch(ctx, testAccount)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCookieHeaderOrdering(t *testing.T) {
	t.Parallel()

	c := Cookies{SESSDATA: "s", BiliJct: "j", DedeUserID: "1", DedeUserIDCkMd5: " "}
	assert.Equal(t, "DedeUserID=1; SESSDATA=s; bili_jct=j", c.header())
	assert.Empty(t, Cookies{}.header())
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{BaseURL: "not a url"})
	assert.Error(t, err)
}
