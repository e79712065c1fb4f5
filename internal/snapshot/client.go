package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopherex.com/booksync/internal/book"
	"gopherex.com/booksync/pkg/metrics"
	"gopherex.com/booksync/pkg/ratelimit"
	"gopherex.com/booksync/pkg/xerr"
)

const maxBodySize = 64 << 20 // L3 全量簿可能有几十 MB

// StatusError 非 200 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// Signer 给请求加鉴权头；公开接口为 nil
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Rate       rate.Limit // 每个 product 的拉取频率上限
	Burst      int
	Breaker    *ratelimit.Manager
	Logger     *zap.Logger
}

// Client 拉 L3 快照的公共实现。PublicClient / AuthClient 只是换了 Signer
type Client struct {
	base    *url.URL
	signer  Signer
	http    *http.Client
	limits  *ratelimit.Store
	breaker *ratelimit.Manager
	tracer  trace.Tracer
	log     *zap.Logger
}

func newClient(apiURL string, signer Signer, opt Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: bad api url %q: %w", apiURL, err)
	}
	if opt.HTTPClient == nil {
		timeout := opt.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		opt.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opt.Rate == 0 {
		opt.Rate = rate.Limit(1)
	}
	if opt.Burst <= 0 {
		opt.Burst = 2
	}
	if opt.Breaker == nil {
		opt.Breaker = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &Client{
		base:    base,
		signer:  signer,
		http:    opt.HTTPClient,
		limits:  ratelimit.NewStore(opt.Rate, opt.Burst, time.Hour),
		breaker: opt.Breaker,
		tracer:  otel.Tracer("gopherex.com/booksync/snapshot"),
		log:     opt.Logger,
	}, nil
}

// NewPublicClient 走公开接口
func NewPublicClient(apiURL string, opt Options) (*Client, error) {
	return newClient(apiURL, nil, opt)
}

// Fetch 拉一次快照。失败统一包成 xerr.SnapshotFetchFailed；
// 快照内容非法包成 xerr.BookStructure（调用方应视为致命）。
func (c *Client) Fetch(ctx context.Context, productID string, level int) (book.State, error) {
	ctx, span := c.tracer.Start(ctx, "snapshot.Fetch", trace.WithAttributes(
		attribute.String("product_id", productID),
		attribute.Int("level", level),
		attribute.Bool("authenticated", c.signer != nil),
	))
	defer span.End()

	start := time.Now()
	st, err := c.fetch(ctx, productID, level)
	metrics.SnapshotDuration.WithLabelValues(productID).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, book.ErrBookStructure) {
			return book.State{}, xerr.Wrap(err, xerr.BookStructure, "")
		}
		return book.State{}, xerr.Wrap(err, xerr.SnapshotFetchFailed, "")
	}
	span.SetAttributes(
		attribute.Int64("sequence", st.Sequence),
		attribute.Int("orders", len(st.Bids)+len(st.Asks)),
	)
	c.log.Debug("snapshot fetched",
		zap.String("product_id", productID),
		zap.Int64("sequence", st.Sequence),
		zap.Int("bids", len(st.Bids)),
		zap.Int("asks", len(st.Asks)),
		zap.Duration("took", time.Since(start)),
	)
	return st, nil
}

func (c *Client) fetch(ctx context.Context, productID string, level int) (book.State, error) {
	if err := c.limits.Wait(ctx, productID); err != nil {
		return book.State{}, err
	}

	body, err := c.breaker.Get("snapshot:"+productID).Execute(func() (any, error) {
		return c.get(ctx, productID, level)
	})
	if err != nil {
		return book.State{}, err
	}
	return decodeLevel3(body.([]byte))
}

func (c *Client) get(ctx context.Context, productID string, level int) ([]byte, error) {
	u := *c.base
	u.Path = u.Path + "/products/" + url.PathEscape(productID) + "/book"
	u.RawQuery = url.Values{"level": []string{strconv.Itoa(level)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "booksync/1.0")
	if c.signer != nil {
		if err := c.signer.Sign(req, nil); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
