package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/steemit/hivemind-go/internal/types"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxElapsed = 60 * time.Second
	defaultWorkers    = 8
)

// HTTPClient talks JSON-RPC to a steemd node over HTTP. Transient
// transport failures and 5xx responses are retried with exponential
// backoff; RPC-level errors are returned as-is.
type HTTPClient struct {
	url        string
	hc         *http.Client
	log        *slog.Logger
	maxElapsed time.Duration
	workers    int
	nextID     atomic.Uint64
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithMaxElapsed bounds the total retry time for a single call.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *HTTPClient) { c.maxElapsed = d }
}

// WithRangeWorkers sets the number of concurrent fetches used by
// GetBlockRange.
func WithRangeWorkers(n int) Option {
	return func(c *HTTPClient) {
		if n > 0 {
			c.workers = n
		}
	}
}

// NewHTTP returns a client for the node at url.
func NewHTTP(url string, log *slog.Logger, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		url:        url,
		hc:         &http.Client{Timeout: defaultTimeout},
		log:        log,
		maxElapsed: defaultMaxElapsed,
		workers:    defaultWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC method call, retrying transport and server
// failures. The raw result is returned so callers can detect null.
func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	var result json.RawMessage
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%s: http %d", method, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return backoff.Permanent(fmt.Errorf("%s: http %d", method, resp.StatusCode))
		}

		var rr rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
		if rr.Error != nil {
			return backoff.Permanent(rr.Error)
		}
		result = rr.Result
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = c.maxElapsed

	notify := func(err error, wait time.Duration) {
		c.log.Warn("steemd call failed, retrying",
			"method", method, "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

// dynamicGlobalProps is the subset of get_dynamic_global_properties the
// indexer consumes.
type dynamicGlobalProps struct {
	HeadBlockNumber  uint32     `json:"head_block_number"`
	LastIrreversible uint32     `json:"last_irreversible_block_num"`
	Time             types.Time `json:"time"`
}

func (c *HTTPClient) globalProps(ctx context.Context) (*dynamicGlobalProps, error) {
	raw, err := c.call(ctx, "get_dynamic_global_properties", []any{})
	if err != nil {
		return nil, err
	}
	var props dynamicGlobalProps
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("decode global properties: %w", err)
	}
	return &props, nil
}

func (c *HTTPClient) HeadBlock(ctx context.Context) (uint32, error) {
	props, err := c.globalProps(ctx)
	if err != nil {
		return 0, err
	}
	return props.HeadBlockNumber, nil
}

func (c *HTTPClient) LastIrreversible(ctx context.Context) (uint32, error) {
	props, err := c.globalProps(ctx)
	if err != nil {
		return 0, err
	}
	return props.LastIrreversible, nil
}

func (c *HTTPClient) HeadTime(ctx context.Context) (time.Time, error) {
	props, err := c.globalProps(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return props.Time.Time, nil
}

func (c *HTTPClient) GetBlock(ctx context.Context, num uint32) (*types.Block, error) {
	raw, err := c.call(ctx, "get_block", []any{num})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, ErrNotAvailable
	}
	var b types.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", num, err)
	}
	if b.ID == "" {
		return nil, ErrNotAvailable
	}
	return &b, nil
}

// GetBlockRange fetches [lo, hi) with bounded concurrency, returning the
// blocks in ascending order. The range must lie below the irreversible
// head, so a missing block is an error rather than a retry condition.
func (c *HTTPClient) GetBlockRange(ctx context.Context, lo, hi uint32) ([]*types.Block, error) {
	if hi <= lo {
		return nil, nil
	}
	blocks := make([]*types.Block, hi-lo)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range blocks {
		num := lo + uint32(i)
		g.Go(func() error {
			b, err := c.GetBlock(gctx, num)
			if err != nil {
				return fmt.Errorf("block %d: %w", num, err)
			}
			blocks[num-lo] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *HTTPClient) GetContent(ctx context.Context, author, permlink string) (*types.Content, error) {
	raw, err := c.call(ctx, "get_content", []any{author, permlink})
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, ErrNotAvailable
	}
	var content types.Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode content @%s/%s: %w", author, permlink, err)
	}
	// steemd answers missing content with a zeroed object.
	if content.Author == "" {
		return nil, ErrNotAvailable
	}
	return &content, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

var _ Client = (*HTTPClient)(nil)
