package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for outgoing requests. Refreshing
// the token is the caller's concern.
type TokenSource func(ctx context.Context) (string, error)

// RESTClient implements Transport against a JSON REST backend exposing
// /{kind} and /{kind}/{id}.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
}

// NewRESTClient constructs a new client. token may be nil.
func NewRESTClient(baseURL string, token TokenSource) *RESTClient {
	return &RESTClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		token: token,
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *RESTClient) WithHTTPClient(client *http.Client) *RESTClient {
	c.httpClient = client
	return c
}

// List fetches one page of kind.
func (c *RESTClient) List(ctx context.Context, kind string, params ListParams) (ListResult, error) {
	var out ListResult
	err := c.do(ctx, kind, "list", http.MethodGet, "/"+url.PathEscape(kind), encodeListParams(params), nil, &out)
	if err != nil {
		return ListResult{}, err
	}
	return out, nil
}

// Detail fetches a single item.
func (c *RESTClient) Detail(ctx context.Context, kind, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, kind, "detail", http.MethodGet, itemPath(kind, id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a new item and returns the stored representation.
func (c *RESTClient) Create(ctx context.Context, kind string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, kind, "create", http.MethodPost, "/"+url.PathEscape(kind), nil, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces an item and returns the stored representation.
func (c *RESTClient) Update(ctx context.Context, kind, id string, payload json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, kind, "update", http.MethodPut, itemPath(kind, id), nil, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes an item.
func (c *RESTClient) Delete(ctx context.Context, kind, id string) error {
	return c.do(ctx, kind, "delete", http.MethodDelete, itemPath(kind, id), nil, nil, nil)
}

func (c *RESTClient) do(ctx context.Context, kind, op, method, path string, query url.Values, body json.RawMessage, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &TransportError{Kind: kind, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return &TransportError{Kind: kind, Op: op, Err: fmt.Errorf("token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Kind: kind, Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		var ve ValidationError
		if err := json.NewDecoder(resp.Body).Decode(&ve); err != nil || len(ve.Fields) == 0 {
			return &TransportError{Kind: kind, Op: op, Status: resp.StatusCode, Err: errors.New("unreadable validation response")}
		}
		return &ve
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransportError{Kind: kind, Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(msg)))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Kind: kind, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func itemPath(kind, id string) string {
	return "/" + url.PathEscape(kind) + "/" + url.PathEscape(id)
}

func encodeListParams(p ListParams) url.Values {
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(p.PageSize))
	}
	if p.SortField != "" {
		q.Set("sort", p.SortField)
		if p.SortDir != "" {
			q.Set("dir", string(p.SortDir))
		}
	}
	if p.Search != "" {
		q.Set("search", p.Search)
	}
	for k, v := range p.Filters {
		q.Set("filter."+k, v)
	}
	return q
}

// DecodeListParams is the inverse of the query encoding used by RESTClient.
func DecodeListParams(q url.Values) ListParams {
	p := ListParams{
		SortField: q.Get("sort"),
		SortDir:   SortDirection(strings.ToLower(q.Get("dir"))),
		Search:    q.Get("search"),
	}
	p.Page, _ = strconv.Atoi(q.Get("page"))
	p.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	for k, vals := range q {
		if !strings.HasPrefix(k, "filter.") || len(vals) == 0 {
			continue
		}
		if p.Filters == nil {
			p.Filters = map[string]string{}
		}
		p.Filters[strings.TrimPrefix(k, "filter.")] = vals[0]
	}
	return p
}
