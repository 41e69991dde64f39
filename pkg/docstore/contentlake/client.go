// Package contentlake talks to the hosted document store over its HTTP data API.
package contentlake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// APIError is returned for non-2xx responses that map to no docstore sentinel.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("content lake returned %d: %s", e.StatusCode, e.Message)
}

// Client implements docstore.Store against the hosted data API.
type Client struct {
	http    *resty.Client
	dataset string
}

// New builds a client from cfg. Reads are possible without a token; writes need one.
func New(cfg docstore.Config) (*Client, error) {
	if cfg.ProjectID == "" && cfg.APIHost == "" {
		return nil, errors.New("content lake project id is not configured")
	}
	if cfg.Dataset == "" {
		return nil, errors.New("content lake dataset is not configured")
	}

	host := cfg.APIHost
	if host == "" {
		host = fmt.Sprintf("https://%s.api.sanity.io", cfg.ProjectID)
	}
	version := strings.TrimPrefix(cfg.APIVersion, "v")
	if version == "" {
		version = "2024-05-23"
	}

	rc := resty.New().
		SetBaseURL(fmt.Sprintf("%s/v%s", strings.TrimRight(host, "/"), version)).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)
	if cfg.WriteToken != "" {
		rc.SetAuthToken(cfg.WriteToken)
	}

	return &Client{http: rc, dataset: cfg.Dataset}, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))
	return r
}

func (c *Client) GetDocument(ctx context.Context, id string) (docstore.Document, error) {
	docs, err := c.GetDocuments(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", docstore.ErrNotFound, id)
	}
	return docs[0], nil
}

func (c *Client) GetDocuments(ctx context.Context, ids ...string) ([]docstore.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}

	var out struct {
		Documents []docstore.Document `json:"documents"`
	}
	resp, err := c.request(ctx).
		Get(fmt.Sprintf("/data/doc/%s/%s", c.dataset, strings.Join(escaped, ",")))
	if err != nil {
		return nil, fmt.Errorf("fetching documents: %w", err)
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *Client) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	groq, params, err := CompileQuery(q)
	if err != nil {
		return nil, err
	}

	var out struct {
		Result []docstore.Document `json:"result"`
	}
	resp, err := c.request(ctx).
		SetQueryParam("query", groq).
		SetQueryParams(params).
		Get("/data/query/" + c.dataset)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

func (c *Client) Commit(ctx context.Context, tx *docstore.Transaction) (*docstore.Result, error) {
	if tx == nil || tx.Len() == 0 {
		return nil, docstore.ErrEmptyTransaction
	}

	mutations, groups := encodeMutations(tx.Mutations())

	var out docstore.Result
	resp, err := c.request(ctx).
		SetQueryParam("returnIds", "true").
		SetQueryParam("visibility", "sync").
		SetBody(map[string]any{"mutations": mutations}).
		Post("/data/mutate/" + c.dataset)
	if err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	out.Results = regroupResults(out.Results, groups)
	return &out, nil
}

func decode(resp *resty.Response, v any) error {
	if resp.IsError() {
		return responseError(resp)
	}
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("decoding content lake response: %w", err)
	}
	return nil
}

func responseError(resp *resty.Response) error {
	msg := errorMessage(resp.Body())
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", docstore.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", docstore.ErrConflict, msg)
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg}
}

// errorMessage extracts a readable message from either {"error": {"description"}} or
// {"error": "...", "message": "..."} bodies.
func errorMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	var detail struct {
		Description string `json:"description"`
	}
	if json.Unmarshal(payload.Error, &detail) == nil && detail.Description != "" {
		return detail.Description
	}
	if payload.Message != "" {
		return payload.Message
	}
	var s string
	if json.Unmarshal(payload.Error, &s) == nil && s != "" {
		return s
	}
	return strings.TrimSpace(string(body))
}

// regroupResults keeps the first result of each logical mutation that was sent as
// several wire mutations.
func regroupResults(in []docstore.MutationResult, groups []int) []docstore.MutationResult {
	total := 0
	for _, n := range groups {
		total += n
	}
	if total != len(in) {
		return in
	}
	out := make([]docstore.MutationResult, 0, len(groups))
	pos := 0
	for _, n := range groups {
		out = append(out, in[pos])
		pos += n
	}
	return out
}
