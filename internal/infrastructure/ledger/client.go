package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hilthontt/monopoly/internal/infrastructure/configs"
	"github.com/hilthontt/monopoly/internal/infrastructure/logging"
	"github.com/hilthontt/monopoly/internal/infrastructure/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	methodQueryEvents       = "suix_queryEvents"
	methodGetOwnedObjects   = "suix_getOwnedObjects"
	methodMultiGetObjects   = "sui_multiGetObjects"
	methodSubmitAction      = "executor_submitAction"
	maxErrorBodyBytes       = 4 << 10
	defaultMultiGetBatch    = 50
	defaultPageLimit        = 50
	defaultCallTimeout      = 10 * time.Second
	defaultInitialBackoff   = 200 * time.Millisecond
	defaultMaxBackoffWindow = 5 * time.Second
)

// Client talks JSON-RPC to a ledger full node for reads and to a signing
// executor for writes.
type Client struct {
	rpcURL      string
	executorURL string
	packageID   string
	module      string

	httpClient  *http.Client
	limiter     *rate.Limiter
	callTimeout time.Duration
	pageLimit   int
	batchSize   int
	maxRetries  uint

	logger  logging.Logger
	metrics *metrics.Metrics
	nextID  atomic.Int64
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func NewClient(cfg configs.LedgerConfig, logger logging.Logger, m *metrics.Metrics, opts ...Option) *Client {
	c := &Client{
		rpcURL:      strings.TrimRight(cfg.RPCURL, "/"),
		executorURL: strings.TrimRight(cfg.ExecutorURL, "/"),
		packageID:   cfg.PackageID,
		module:      cfg.Module,
		httpClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		callTimeout: cfg.CallTimeout,
		pageLimit:   cfg.PageLimit,
		batchSize:   cfg.MultiGetBatch,
		maxRetries:  cfg.MaxRetries,
		logger:      logger,
		metrics:     m,
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.pageLimit <= 0 {
		c.pageLimit = defaultPageLimit
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultMultiGetBatch
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EventType builds the fully qualified type of one of the module's structs.
func (c *Client) EventType(kind string) string {
	return c.qualify(kind)
}

func (c *Client) qualify(name string) string {
	return c.packageID + "::" + c.module + "::" + name
}

func (c *Client) QueryEvents(ctx context.Context, eventType string, cursor *Cursor) (EventPage, error) {
	var page EventPage
	params := []any{
		map[string]string{"MoveEventType": eventType},
		cursor,
		c.pageLimit,
		false, // ascending
	}
	if err := c.call(ctx, methodQueryEvents, params, &page); err != nil {
		return EventPage{}, err
	}
	return page, nil
}

func (c *Client) QueryOwnedObjects(ctx context.Context, owner, structType string, cursor *string) (ObjectPage, error) {
	var raw struct {
		Data        []objectResponse `json:"data"`
		NextCursor  *string          `json:"nextCursor"`
		HasNextPage bool             `json:"hasNextPage"`
	}
	params := []any{
		owner,
		map[string]any{
			"filter":  map[string]string{"StructType": structType},
			"options": objectOptions,
		},
		cursor,
		c.pageLimit,
	}
	if err := c.call(ctx, methodGetOwnedObjects, params, &raw); err != nil {
		return ObjectPage{}, err
	}

	page := ObjectPage{
		Data:        make([]Object, 0, len(raw.Data)),
		NextCursor:  raw.NextCursor,
		HasNextPage: raw.HasNextPage,
	}
	for _, r := range raw.Data {
		if r.Data != nil {
			page.Data = append(page.Data, r.Data.object())
		}
	}
	return page, nil
}

// MultiGet reads objects in batches. Ids the ledger cannot resolve are
// omitted from the result.
func (c *Client) MultiGet(ctx context.Context, ids []string) ([]Object, error) {
	objects := make([]Object, 0, len(ids))
	for start := 0; start < len(ids); start += c.batchSize {
		end := min(start+c.batchSize, len(ids))

		var raw []objectResponse
		if err := c.call(ctx, methodMultiGetObjects, []any{ids[start:end], objectOptions}, &raw); err != nil {
			return nil, err
		}
		for _, r := range raw {
			if r.Data == nil {
				if r.Error != nil {
					c.logger.Debug(logging.Ledger, logging.ExternalService, "object not readable", map[logging.ExtraKey]any{
						logging.EventID:      r.Error.ObjectID,
						logging.ErrorMessage: r.Error.Code,
					})
				}
				continue
			}
			objects = append(objects, r.Data.object())
		}
	}
	return objects, nil
}

// SubmitAction posts the payload to the executor once. Retrying could apply
// the action twice.
func (c *Client) SubmitAction(ctx context.Context, signer string, payload ActionPayload) (SubmitResult, error) {
	start := time.Now()
	result, err := c.submit(ctx, signer, payload)
	c.metrics.ObserveLedgerCall(methodSubmitAction, start, err)
	if err != nil {
		c.logger.Error(logging.Ledger, logging.ExternalService, "action submission failed", map[logging.ExtraKey]any{
			logging.Action:       payload.Function,
			logging.ErrorMessage: err.Error(),
		})
		return SubmitResult{}, fmt.Errorf("%w: %s: %w", ErrExternalCall, payload.Function, err)
	}
	return result, nil
}

func (c *Client) submit(ctx context.Context, signer string, payload ActionPayload) (SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"signer":    signer,
		"target":    c.qualify(payload.Function),
		"arguments": payload.Arguments,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.executorURL+"/v1/actions", bytes.NewReader(body))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SubmitResult{}, newStatusError(resp)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return SubmitResult{}, fmt.Errorf("decode executor response: %w", err)
	}
	return result, nil
}

// call performs one throttled JSON-RPC read, retrying transient failures
// with exponential backoff.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialBackoff
	b.MaxInterval = defaultMaxBackoffWindow

	op := func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := c.doRPC(ctx, method, params, out)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxRetries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn(logging.Ledger, logging.RateLimiting, "retrying ledger call", map[logging.ExtraKey]any{
				logging.Method:       method,
				logging.ErrorMessage: err.Error(),
				logging.Duration:     wait.String(),
			})
		}),
	)
	c.metrics.ObserveLedgerCall(method, start, err)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExternalCall, method, err)
	}
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// StatusError is a non-2xx HTTP answer from the node or the executor.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status signals throttling or a server
// fault.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newStatusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *Client) doRPC(ctx context.Context, method string, params []any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := newStatusError(resp)
		if !statusErr.Retryable() {
			return backoff.Permanent(statusErr)
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return statusErr
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return backoff.Permanent(fmt.Errorf("decode rpc response: %w", err))
	}
	if decoded.Error != nil {
		return backoff.Permanent(decoded.Error)
	}
	if out == nil || len(decoded.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode %s result: %w", method, err))
	}
	return nil
}

var objectOptions = map[string]bool{
	"showContent": true,
	"showType":    true,
}

type objectResponse struct {
	Data  *objectData `json:"data"`
	Error *struct {
		Code     string `json:"code"`
		ObjectID string `json:"object_id"`
	} `json:"error"`
}

type objectData struct {
	ObjectID string `json:"objectId"`
	Version  string `json:"version"`
	Type     string `json:"type"`
	Content  *struct {
		DataType string                     `json:"dataType"`
		Type     string                     `json:"type"`
		Fields   map[string]json.RawMessage `json:"fields"`
	} `json:"content"`
}

func (d objectData) object() Object {
	o := Object{ObjectID: d.ObjectID, Version: d.Version, Type: d.Type}
	if d.Content != nil {
		if o.Type == "" {
			o.Type = d.Content.Type
		}
		o.Fields = d.Content.Fields
	}
	if o.Fields == nil {
		o.Fields = map[string]json.RawMessage{}
	}
	return o
}

// IsExternal reports whether err came from the ledger or executor.
func IsExternal(err error) bool {
	return errors.Is(err, ErrExternalCall)
}
