// Package zotero is the record store client: a typed, rate-limited,
// retrying client over the Zotero Web API v3 exposing list/get/create/delete
// with optimistic-concurrency versioning.
package zotero

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/scrypster/relink/internal/breaker"
	"github.com/scrypster/relink/pkg/types"
)

// Config holds Zotero client configuration. Credentials live here and
// nowhere else.
type Config struct {
	// BaseURL is the API root (default: https://api.zotero.org)
	BaseURL string

	// APIKey is the Zotero API key sent as a bearer token (required)
	APIKey string

	// LibraryType is "users" or "groups" (default: users)
	LibraryType string

	// LibraryID is the numeric user or group id (required)
	LibraryID string

	// APIVersion is sent as Zotero-API-Version (default: 3)
	APIVersion string

	// UserAgent is sent with every request (default: relink/<version>)
	UserAgent string

	// Timeout bounds a single HTTP round trip (default: 30s)
	Timeout time.Duration

	// MinInterval is the minimum spacing between requests (default: 1s)
	MinInterval time.Duration

	// MaxAttempts is the attempt ceiling per call, first try included (default: 5)
	MaxAttempts int

	// BaseDelay is the first exponential backoff step (default: 1s)
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff (default: 60s)
	MaxDelay time.Duration

	// PageSize is the list page size, at most 100 (default: 100)
	PageSize int

	// ContentType is stored on created stable-URI attachments (default: application/pdf)
	ContentType string

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client

	// Clock drives throttling and backoff sleeps. Optional; tests inject a fake.
	Clock Clock

	// Breaker guards every call. Optional; a default breaker is created.
	Breaker *breaker.Breaker

	// Logger receives retry and backoff warnings. Optional.
	Logger *log.Logger
}

// ListFilter narrows ListCandidates.
type ListFilter struct {
	// Mode keeps only references with this link mode. Empty keeps all.
	Mode types.LinkMode

	// RequireLocator drops references without a path or URL.
	RequireLocator bool

	// RequireParent drops orphaned references.
	RequireParent bool

	// MaxItems bounds how many attachments are scanned (0 = all).
	MaxItems int
}

// Client talks to one Zotero library.
type Client struct {
	cfg     Config
	http    *http.Client
	clock   Clock
	limiter *rate.Limiter
	breaker *breaker.Breaker
	logger  *log.Logger
	prefix  string

	mu           sync.Mutex
	backoffUntil time.Time
}

// NewClient creates a Zotero client. APIKey and LibraryID are required.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("zotero: API key is required")
	}
	if cfg.LibraryID == "" {
		return nil, fmt.Errorf("zotero: library id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.zotero.org"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.LibraryType == "" {
		cfg.LibraryType = "users"
	}
	if cfg.LibraryType != "users" && cfg.LibraryType != "groups" {
		return nil, fmt.Errorf("zotero: library type must be users or groups, got %q", cfg.LibraryType)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "3"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "relink"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/pdf"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	br := cfg.Breaker
	if br == nil {
		br = breaker.New(breaker.Config{Name: "zotero"})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		clock:   clock,
		limiter: rate.NewLimiter(limit, 1),
		breaker: br,
		logger:  logger.WithPrefix("zotero"),
		prefix:  "/" + cfg.LibraryType + "/" + cfg.LibraryID,
	}, nil
}

// ListCandidates lists attachment references, most recently modified first,
// keeping only those that pass filter.
func (c *Client) ListCandidates(ctx context.Context, filter ListFilter) ([]types.Reference, error) {
	var refs []types.Reference
	scanned := 0

	for start := 0; ; start += c.cfg.PageSize {
		q := url.Values{}
		q.Set("itemType", "attachment")
		q.Set("format", "json")
		q.Set("sort", "dateModified")
		q.Set("direction", "desc")
		q.Set("limit", strconv.Itoa(c.cfg.PageSize))
		q.Set("start", strconv.Itoa(start))

		resp, err := c.do(ctx, request{method: http.MethodGet, path: "/items", query: q})
		if err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		if resp.status != http.StatusOK {
			return nil, fmt.Errorf("list attachments: %w", statusError(resp))
		}

		var page []apiItem
		if err := json.Unmarshal(resp.body, &page); err != nil {
			return nil, fmt.Errorf("list attachments: failed to decode response: %w", err)
		}

		for _, item := range page {
			scanned++
			ref := item.reference()
			if keep(ref, filter) {
				refs = append(refs, ref)
			}
			if filter.MaxItems > 0 && scanned >= filter.MaxItems {
				return refs, nil
			}
		}

		total, _ := strconv.Atoi(resp.header.Get("Total-Results"))
		if len(page) == 0 || len(page) < c.cfg.PageSize || (total > 0 && start+len(page) >= total) {
			return refs, nil
		}
	}
}

func keep(ref types.Reference, filter ListFilter) bool {
	if filter.Mode != "" && ref.Mode != filter.Mode {
		return false
	}
	if filter.RequireLocator && ref.Locator == "" {
		return false
	}
	if filter.RequireParent && ref.ParentID == "" {
		return false
	}
	return true
}

// Get fetches one reference by id. Returns types.ErrNotFound if it is gone.
func (c *Client) Get(ctx context.Context, id string) (types.Reference, error) {
	item, err := c.getItem(ctx, id)
	if err != nil {
		return types.Reference{}, err
	}
	return item.reference(), nil
}

// ParentTitle returns the title of a regular (parent) item.
func (c *Client) ParentTitle(ctx context.Context, id string) (string, error) {
	item, err := c.getItem(ctx, id)
	if err != nil {
		return "", err
	}
	return item.Data.Title, nil
}

func (c *Client) getItem(ctx context.Context, id string) (apiItem, error) {
	if id == "" {
		return apiItem{}, fmt.Errorf("get item: %w: empty id", types.ErrInvalidInput)
	}
	resp, err := c.do(ctx, request{method: http.MethodGet, path: "/items/" + url.PathEscape(id)})
	if err != nil {
		return apiItem{}, fmt.Errorf("get item %s: %w", id, err)
	}
	switch resp.status {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return apiItem{}, fmt.Errorf("get item %s: %w", id, types.ErrNotFound)
	default:
		return apiItem{}, fmt.Errorf("get item %s: %w", id, statusError(resp))
	}

	var item apiItem
	if err := json.Unmarshal(resp.body, &item); err != nil {
		return apiItem{}, fmt.Errorf("get item %s: failed to decode response: %w", id, err)
	}
	return item, nil
}

// Create adds a stable-URI attachment under parentID and returns its key.
// The request carries a write token, so a retried create that already
// succeeded server-side is recovered from the parent's children instead of
// producing a duplicate.
func (c *Client) Create(ctx context.Context, parentID, title, locator string) (string, error) {
	if parentID == "" || locator == "" {
		return "", fmt.Errorf("create attachment: %w: parent and locator are required", types.ErrInvalidInput)
	}

	body, err := json.Marshal([]newAttachment{{
		ItemType:    "attachment",
		ParentItem:  parentID,
		LinkMode:    string(types.LinkModeStableURI),
		Title:       title,
		URL:         locator,
		ContentType: c.cfg.ContentType,
		Tags:        []any{},
		Relations:   map[string]any{},
	}})
	if err != nil {
		return "", fmt.Errorf("create attachment: failed to marshal request: %w", err)
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	resp, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/items",
		body:    body,
		headers: map[string]string{"Zotero-Write-Token": token},
	})
	if err != nil {
		return "", fmt.Errorf("create attachment under %s: %w", parentID, err)
	}

	switch resp.status {
	case http.StatusOK:
	case http.StatusPreconditionFailed:
		// Write token already used: an earlier attempt went through.
		key, findErr := c.findChild(ctx, parentID, locator)
		if findErr != nil {
			return "", fmt.Errorf("create attachment under %s: write token reused and lookup failed: %w", parentID, findErr)
		}
		return key, nil
	default:
		return "", fmt.Errorf("create attachment under %s: %w", parentID, statusError(resp))
	}

	var wr writeResponse
	if err := json.Unmarshal(resp.body, &wr); err != nil {
		return "", fmt.Errorf("create attachment under %s: failed to decode response: %w", parentID, err)
	}
	if obj, ok := wr.Successful["0"]; ok && obj.Key != "" {
		return obj.Key, nil
	}
	if key, ok := wr.Success["0"]; ok && key != "" {
		return key, nil
	}
	if failed, ok := wr.Failed["0"]; ok {
		if failed.Code == http.StatusNotFound {
			return "", fmt.Errorf("create attachment under %s: %w: %s", parentID, types.ErrNotFound, failed.Message)
		}
		return "", fmt.Errorf("create attachment under %s: rejected (%d): %s", parentID, failed.Code, failed.Message)
	}
	return "", fmt.Errorf("create attachment under %s: response carried no key", parentID)
}

// findChild returns the key of the stable-URI child of parentID whose URL is locator.
func (c *Client) findChild(ctx context.Context, parentID, locator string) (string, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, path: "/items/" + url.PathEscape(parentID) + "/children"})
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusOK {
		return "", statusError(resp)
	}
	var children []apiItem
	if err := json.Unmarshal(resp.body, &children); err != nil {
		return "", fmt.Errorf("failed to decode children: %w", err)
	}
	for _, child := range children {
		ref := child.reference()
		if ref.Mode == types.LinkModeStableURI && ref.Locator == locator {
			return ref.ID, nil
		}
	}
	return "", fmt.Errorf("no child of %s links to %s: %w", parentID, locator, types.ErrNotFound)
}

// Delete removes a reference, conditioned on version. A stale version yields
// types.ErrVersionConflict; a missing record yields types.ErrNotFound.
func (c *Client) Delete(ctx context.Context, id string, version int) error {
	if id == "" {
		return fmt.Errorf("delete item: %w: empty id", types.ErrInvalidInput)
	}
	resp, err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/items/" + url.PathEscape(id),
		headers: map[string]string{"If-Unmodified-Since-Version": strconv.Itoa(version)},
	})
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	switch resp.status {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusPreconditionFailed:
		return fmt.Errorf("delete item %s at version %d: %w", id, version, types.ErrVersionConflict)
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("delete item %s: %w", id, types.ErrNotFound)
	default:
		return fmt.Errorf("delete item %s: %w", id, statusError(resp))
	}
}

// SelectLink returns the zotero:// URL that selects id in the desktop client.
func (c *Client) SelectLink(id string) string {
	return SelectLink(c.cfg.LibraryType, c.cfg.LibraryID, id)
}

// SelectLink builds a zotero://select URL for an item in a user or group library.
func SelectLink(libraryType, libraryID, id string) string {
	if libraryType == "groups" {
		return fmt.Sprintf("zotero://select/groups/%s/items/%s", libraryID, id)
	}
	return "zotero://select/library/items/" + id
}
