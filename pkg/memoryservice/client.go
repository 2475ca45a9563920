package memoryservice

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

	"github.com/sirupsen/logrus"
)

// ErrDuplicate is returned when the service rejects a create because the
// title already exists.
var ErrDuplicate = errors.New("resource title already exists")

// Client is the tool surface of the memory service.
type Client interface {
	ListVaults(ctx context.Context) ([]Vault, error)
	CreateVault(ctx context.Context, title string) (*Vault, error)
	CreateMemory(ctx context.Context, vaultID, title string) (*Memory, error)

	GetContext(ctx context.Context, vaultID, memoryID string) (string, error)
	ListEntries(ctx context.Context, vaultID, memoryID string, limit int) ([]Entry, error)
	AddEntry(ctx context.Context, vaultID, memoryID, raw, summary string) error
	AwaitConsistency(ctx context.Context, vaultID, memoryID string) error
	PutContext(ctx context.Context, vaultID, memoryID, content string) error
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

type client struct {
	log     logrus.FieldLogger
	baseURL string
	http    *http.Client
}

// NewClient creates an HTTP client for the memory service at baseURL.
func NewClient(log logrus.FieldLogger, baseURL string) Client {
	return &client{
		log:     log.WithField("component", "memoryservice"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// IsDuplicate reports whether err is a duplicate-title rejection.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s %s: %w", method, path, ErrDuplicate)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: status %d: %s",
			method, path, resp.StatusCode, truncate(string(data), 200))
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}

func (c *client) ListVaults(ctx context.Context) ([]Vault, error) {
	var out struct {
		Vaults []Vault `json:"vaults"`
	}

	if err := c.do(ctx, http.MethodGet, "/v0/vaults", nil, &out); err != nil {
		return nil, err
	}

	return out.Vaults, nil
}

func (c *client) CreateVault(ctx context.Context, title string) (*Vault, error) {
	var vault Vault

	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/v0/vaults", body, &vault); err != nil {
		return nil, err
	}

	return &vault, nil
}

func (c *client) CreateMemory(ctx context.Context, vaultID, title string) (*Memory, error) {
	var memory Memory

	body := map[string]string{
		"title":      title,
		"memoryType": "CONVERSATION",
	}

	path := fmt.Sprintf("/v0/vaults/%s/memories", url.PathEscape(vaultID))
	if err := c.do(ctx, http.MethodPost, path, body, &memory); err != nil {
		return nil, err
	}

	return &memory, nil
}

// GetContext returns the memory's latest synthesized context document.
// The service wraps the document in JSON; unwrapping happens here so
// callers only ever see the text.
func (c *client) GetContext(ctx context.Context, vaultID, memoryID string) (string, error) {
	var out struct {
		Context string `json:"context"`
	}

	path := fmt.Sprintf("/v0/vaults/%s/memories/%s/contexts",
		url.PathEscape(vaultID), url.PathEscape(memoryID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}

	return unwrapContext(out.Context), nil
}

// unwrapContext tolerates context documents that were themselves stored as
// JSON objects with a context field.
func unwrapContext(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return s
	}

	var inner struct {
		Context string `json:"context"`
	}

	if err := json.Unmarshal([]byte(trimmed), &inner); err != nil || inner.Context == "" {
		return s
	}

	return inner.Context
}

func (c *client) ListEntries(ctx context.Context, vaultID, memoryID string, limit int) ([]Entry, error) {
	var out struct {
		Entries []Entry `json:"entries"`
	}

	path := fmt.Sprintf("/v0/vaults/%s/memories/%s/entries?limit=%s",
		url.PathEscape(vaultID), url.PathEscape(memoryID), strconv.Itoa(limit))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	return out.Entries, nil
}

func (c *client) AddEntry(ctx context.Context, vaultID, memoryID, raw, summary string) error {
	body := map[string]string{
		"rawEntry": raw,
		"summary":  summary,
	}

	path := fmt.Sprintf("/v0/vaults/%s/memories/%s/entries",
		url.PathEscape(vaultID), url.PathEscape(memoryID))

	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *client) AwaitConsistency(ctx context.Context, vaultID, memoryID string) error {
	path := fmt.Sprintf("/v0/vaults/%s/memories/%s/await-consistency",
		url.PathEscape(vaultID), url.PathEscape(memoryID))

	return c.do(ctx, http.MethodPost, path, map[string]string{}, nil)
}

func (c *client) PutContext(ctx context.Context, vaultID, memoryID, content string) error {
	body := map[string]string{"context": content}

	path := fmt.Sprintf("/v0/vaults/%s/memories/%s/contexts",
		url.PathEscape(vaultID), url.PathEscape(memoryID))

	return c.do(ctx, http.MethodPut, path, body, nil)
}

// rawSearchResponse is the wire shape of a search response. Decoding it
// here, once, is deliberate: a malformed response is an error, never an
// empty result.
type rawSearchResponse struct {
	Entries       []Entry        `json:"entries"`
	Contexts      []ContextShard `json:"contexts"`
	LatestContext string         `json:"latestContext"`
}

func (c *client) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	var raw rawSearchResponse

	if err := c.do(ctx, http.MethodPost, "/v0/search", req, &raw); err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}

	return &SearchResult{
		Entries:       raw.Entries,
		Contexts:      raw.Contexts,
		LatestContext: unwrapContext(raw.LatestContext),
	}, nil
}
