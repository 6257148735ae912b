package agent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/replicante-io/replicore"
)

// SignatureHeader carries the optional HMAC request signature.
const SignatureHeader = "X-Replicante-Signature"

const defaultTimeout = 15 * time.Second

// HTTPOption configures the HTTP client factory.
type HTTPOption func(*HTTPClients)

// WithTimeout bounds every agent call. Defaults to 15s.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClients) { c.timeout = d }
}

// WithSigningKey enables HMAC-SHA256 request signing with the shared
// key. Agents configured with the same key reject unsigned or
// tampered requests.
func WithSigningKey(key []byte) HTTPOption {
	return func(c *HTTPClients) { c.signingKey = key }
}

// HTTPClients builds JSON-over-HTTP agent clients.
type HTTPClients struct {
	timeout    time.Duration
	signingKey []byte
}

var _ Clients = (*HTTPClients)(nil)

// NewHTTPClients creates the factory.
func NewHTTPClients(opts ...HTTPOption) *HTTPClients {
	c := &HTTPClients{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Client returns a client for the agent at the given base address,
// for example "https://node-1.cluster.internal:16544".
func (c *HTTPClients) Client(address string) Client {
	rc := resty.New().
		SetBaseURL(address).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json")
	return &httpClient{rest: rc, signingKey: c.signingKey}
}

type httpClient struct {
	rest       *resty.Client
	signingKey []byte
}

var _ Client = (*httpClient)(nil)

func (c *httpClient) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.get(ctx, "/api/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *httpClient) Shards(ctx context.Context) (*Shards, error) {
	var shards Shards
	if err := c.get(ctx, "/api/v1/shards", &shards); err != nil {
		return nil, err
	}
	return &shards, nil
}

func (c *httpClient) ActionQueue(ctx context.Context) ([]ActionListItem, error) {
	var items []ActionListItem
	if err := c.get(ctx, "/api/v1/actions/queue", &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *httpClient) ActionsFinished(ctx context.Context) ([]ActionListItem, error) {
	var items []ActionListItem
	if err := c.get(ctx, "/api/v1/actions/finished", &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *httpClient) ActionInfo(ctx context.Context, actionID string) (*ActionRecord, error) {
	path := "/api/v1/actions/info/" + actionID
	var record ActionRecord
	req := c.rest.R().SetContext(ctx).SetResult(&record)
	c.signRequest(req, http.MethodGet, path, nil)
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("replicore/agent: GET %s: %w", path, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, replicore.ErrActionNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("replicore/agent: GET %s: status %d", path, resp.StatusCode())
	}
	return &record, nil
}

func (c *httpClient) ScheduleAction(ctx context.Context, kind string, a *ActionRecord) error {
	path := "/api/v1/actions/schedule/" + kind
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("replicore/agent: marshal action %s: %w", a.ID, err)
	}
	req := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	c.signRequest(req, http.MethodPost, path, body)
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("replicore/agent: POST %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("replicore/agent: POST %s: status %d", path, resp.StatusCode())
	}
	return nil
}

func (c *httpClient) get(ctx context.Context, path string, result interface{}) error {
	req := c.rest.R().SetContext(ctx).SetResult(result)
	c.signRequest(req, http.MethodGet, path, nil)
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("replicore/agent: GET %s: %w", path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("replicore/agent: GET %s: status %d", path, resp.StatusCode())
	}
	return nil
}

// signRequest attaches the HMAC-SHA256 signature over method, path and
// body. No-op when signing is disabled.
func (c *httpClient) signRequest(req *resty.Request, method, path string, body []byte) {
	if len(c.signingKey) == 0 {
		return
	}
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(method))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	req.SetHeader(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
}
