package outpost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PullResult is a page of remote changes for one collection.
type PullResult struct {
	Records        []*Record `json:"records"`
	CurrentVersion int64     `json:"current_version"`
	HasMore        bool      `json:"has_more"`
}

// PushResult is the server's response to a bulk mutation push.
type PushResult struct {
	// AcceptedIDs lists the mutation ids the server acknowledged.
	AcceptedIDs []string `json:"accepted_ids"`

	// RejectedIDs maps permanently rejected mutation ids to the reason.
	// These failed server-side validation and must not be retried.
	RejectedIDs map[string]string `json:"rejected_ids,omitempty"`

	// CurrentVersion is the collection version after the push.
	CurrentVersion int64 `json:"current_version"`

	// Conflicts holds the server's copy of records whose push collided with
	// a newer server version.
	Conflicts []*Record `json:"conflicts,omitempty"`
}

// RemoteClient abstracts the sync protocol against the central server. The
// network layer implementing it lives outside this package; the engine only
// depends on these operations.
type RemoteClient interface {
	// Pull fetches changes to a collection since the given version.
	Pull(ctx context.Context, collection string, sinceVersion int64) (*PullResult, error)

	// PullAll fetches the entire collection (first sync).
	PullAll(ctx context.Context, collection string) (*PullResult, error)

	// Push sends an ordered batch of mutations, tagged with the client
	// identity and merge strategy.
	Push(ctx context.Context, collection string, mutations []*QueuedMutation, clientID string, strategy Strategy) (*PushResult, error)

	// UpdateOne sends a single record update outside the batch path.
	UpdateOne(ctx context.Context, collection, id string, rec *Record) (*Record, int64, error)

	// DeleteOne removes a single record server-side.
	DeleteOne(ctx context.Context, collection, id string) (int64, error)

	// Backup fetches a server-side snapshot of the account's data.
	Backup(ctx context.Context) ([]byte, error)

	// Restore uploads a snapshot; overwrite replaces existing server data.
	Restore(ctx context.Context, snapshot []byte, overwrite bool) error
}

// HTTPDoer abstracts *http.Client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPRemoteConfig configures the JSON/HTTP remote client.
type HTTPRemoteConfig struct {
	// BaseURL is the sync API root, e.g. "https://sync.example.com/v1".
	BaseURL string

	// AuthToken, if set, is sent as a bearer token.
	AuthToken string

	// Timeout bounds each request. Default: 15s.
	Timeout time.Duration

	// Retry configures per-request retries for transient failures.
	Retry RetryConfig

	// HTTPClient allows injecting a custom HTTP client for testing.
	// If nil, a default client is created with the configured timeout.
	HTTPClient HTTPDoer
}

// HTTPRemoteClient implements RemoteClient over a JSON HTTP API.
type HTTPRemoteClient struct {
	cfg     HTTPRemoteConfig
	client  HTTPDoer
	retryer *Retryer
}

// NewHTTPRemoteClient creates an HTTP remote client.
func NewHTTPRemoteClient(cfg HTTPRemoteConfig) (*HTTPRemoteClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPRemoteClient{
		cfg:     cfg,
		client:  client,
		retryer: NewRetryer(cfg.Retry),
	}, nil
}

func (c *HTTPRemoteClient) Pull(ctx context.Context, collection string, sinceVersion int64) (*PullResult, error) {
	path := fmt.Sprintf("/collections/%s/changes?since=%d", url.PathEscape(collection), sinceVersion)
	var out PullResult
	if err := c.do(ctx, http.MethodGet, path, collection, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemoteClient) PullAll(ctx context.Context, collection string) (*PullResult, error) {
	path := fmt.Sprintf("/collections/%s/records", url.PathEscape(collection))
	var out PullResult
	if err := c.do(ctx, http.MethodGet, path, collection, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type pushRequest struct {
	ClientID  string            `json:"client_id"`
	Strategy  Strategy          `json:"strategy"`
	Mutations []*QueuedMutation `json:"mutations"`
}

func (c *HTTPRemoteClient) Push(ctx context.Context, collection string, mutations []*QueuedMutation, clientID string, strategy Strategy) (*PushResult, error) {
	path := fmt.Sprintf("/collections/%s/push", url.PathEscape(collection))
	req := pushRequest{ClientID: clientID, Strategy: strategy, Mutations: mutations}
	var out PushResult
	if err := c.do(ctx, http.MethodPost, path, collection, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemoteClient) UpdateOne(ctx context.Context, collection, id string, rec *Record) (*Record, int64, error) {
	path := fmt.Sprintf("/collections/%s/records/%s", url.PathEscape(collection), url.PathEscape(id))
	var out struct {
		Record  *Record `json:"record"`
		Version int64   `json:"version"`
	}
	if err := c.do(ctx, http.MethodPut, path, collection, rec, &out); err != nil {
		return nil, 0, err
	}
	return out.Record, out.Version, nil
}

func (c *HTTPRemoteClient) DeleteOne(ctx context.Context, collection, id string) (int64, error) {
	path := fmt.Sprintf("/collections/%s/records/%s", url.PathEscape(collection), url.PathEscape(id))
	var out struct {
		Success bool  `json:"success"`
		Version int64 `json:"version"`
	}
	if err := c.do(ctx, http.MethodDelete, path, collection, nil, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

func (c *HTTPRemoteClient) Backup(ctx context.Context) ([]byte, error) {
	var snapshot []byte
	err := c.retryer.Do(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodGet, "/backup", nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return &SyncError{Kind: KindTransient, Op: "backup", Err: err}
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp.StatusCode, "backup", ""); err != nil {
			io.Copy(io.Discard, resp.Body)
			return err
		}
		snapshot, err = io.ReadAll(resp.Body)
		if err != nil {
			return &SyncError{Kind: KindTransient, Op: "backup", Err: err}
		}
		return nil
	})
	return snapshot, err
}

func (c *HTTPRemoteClient) Restore(ctx context.Context, snapshot []byte, overwrite bool) error {
	path := "/restore?overwrite=" + strconv.FormatBool(overwrite)
	return c.retryer.Do(ctx, func() error {
		req, err := c.newRequest(ctx, http.MethodPost, path, snapshot)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return &SyncError{Kind: KindTransient, Op: "restore", Err: err}
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return classifyStatus(resp.StatusCode, "restore", "")
	})
}

func (c *HTTPRemoteClient) do(ctx context.Context, method, path, collection string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	// Built fresh per attempt so retries replay the payload.
	return c.retryer.Do(ctx, func() error {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return &SyncError{Kind: KindTransient, Op: method + " " + path, Collection: collection, Err: err}
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp.StatusCode, method+" "+path, collection); err != nil {
			io.Copy(io.Discard, resp.Body)
			return err
		}
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &SyncError{Kind: KindTransient, Op: method + " " + path, Collection: collection, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	})
}

func (c *HTTPRemoteClient) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	return req, nil
}

// classifyStatus maps HTTP status codes onto the sync error taxonomy.
func classifyStatus(code int, op, collection string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict:
		return &SyncError{Kind: KindVersionConflict, Op: op, Collection: collection,
			Err: fmt.Errorf("server reported version conflict (status %d)", code)}
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &SyncError{Kind: KindValidation, Op: op, Collection: collection,
			Err: fmt.Errorf("server rejected request (status %d)", code)}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &SyncError{Kind: KindTransient, Op: op, Collection: collection,
			Err: fmt.Errorf("server unavailable (status %d)", code)}
	default:
		return &SyncError{Kind: KindUnknown, Op: op, Collection: collection,
			Err: fmt.Errorf("unexpected status %d", code)}
	}
}
