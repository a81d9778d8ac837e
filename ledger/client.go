package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nimavakil1/recon_backend/models"
)

// Client is the HTTP implementation of LedgerPort against the ledger's REST
// bridge. One instance is safe for concurrent use; a tick-channel limiter
// spreads calls to stay inside the remote rate limit.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
	normalize RefNormalizer
}

func NewClient(normalize RefNormalizer) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("LEDGER_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("LEDGER_API_BASE_URL is empty")
	}
	apiKey := strings.TrimSpace(os.Getenv("LEDGER_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("LEDGER_API_KEY is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("LEDGER_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("LEDGER_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	if normalize == nil {
		normalize = DefaultRefNormalizer
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
		normalize: normalize,
	}, nil
}

// Ping verifies connectivity and credentials. A pass aborts entirely when
// this fails at start-up; every later failure is per-action.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return c.doJSON(ctx, http.MethodGet, "/api/health", nil, nil, &out)
}

func (c *Client) FindBySourceReference(ctx context.Context, sourceId string) ([]models.LedgerInvoice, error) {
	params := url.Values{}
	params.Set("source_ref_contains", sourceId)
	var out struct {
		Documents []models.LedgerInvoice `json:"documents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/documents", params, nil, &out); err != nil {
		return nil, err
	}
	// The remote matches substrings; equality after normalization is decided
	// here so decorated references ("AMZ-123/B2B") still hit.
	var matched []models.LedgerInvoice
	for _, doc := range out.Documents {
		if c.normalize(doc.SourceReference) == sourceId {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func (c *Client) FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerInvoice, error) {
	params := url.Values{}
	params.Set("idempotency_key", key)
	var out struct {
		Documents []models.LedgerInvoice `json:"documents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/documents", params, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Documents) == 0 {
		return nil, nil
	}
	doc := out.Documents[0]
	return &doc, nil
}

func (c *Client) BatchFind(ctx context.Context, sourceIds []string, batchSize int) (map[string][]models.LedgerInvoice, error) {
	if batchSize <= 0 {
		return nil, &FatalError{Op: "BatchFind", Err: errors.New("batchSize must be positive")}
	}
	result := make(map[string][]models.LedgerInvoice, len(sourceIds))
	for _, id := range sourceIds {
		result[id] = nil
	}

	for start := 0; start < len(sourceIds); start += batchSize {
		end := start + batchSize
		if end > len(sourceIds) {
			end = len(sourceIds)
		}
		chunk := sourceIds[start:end]

		params := url.Values{}
		params.Set("source_refs", strings.Join(chunk, ","))
		var out struct {
			Documents []models.LedgerInvoice `json:"documents"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/api/documents/batch", params, nil, &out); err != nil {
			return nil, err
		}
		wanted := make(map[string]bool, len(chunk))
		for _, id := range chunk {
			wanted[id] = true
		}
		for _, doc := range out.Documents {
			norm := c.normalize(doc.SourceReference)
			if wanted[norm] {
				result[norm] = append(result[norm], doc)
			}
		}
	}
	return result, nil
}

func (c *Client) CreateDocument(ctx context.Context, payload models.DocumentPayload) (CreateResult, error) {
	var out models.LedgerInvoice
	status, err := c.doJSONStatus(ctx, http.MethodPost, "/api/documents", nil, payload, &out)
	if err != nil {
		return CreateResult{}, err
	}
	// Some bridge versions answer 204 on create; the write happened, the
	// body is just missing. That is a distinct success, not an error.
	if status == http.StatusNoContent || out.Id == 0 {
		return CreateResult{NoPayload: true}, nil
	}
	return CreateResult{Invoice: &out}, nil
}

func (c *Client) PostDocument(ctx context.Context, id int) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/documents/%d/post", id), nil, nil, nil)
}

func (c *Client) CancelDocument(ctx context.Context, id int) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/documents/%d/cancel", id), nil, nil, nil)
}

func (c *Client) LinkLine(ctx context.Context, invoiceLineId int, orderLineId string) error {
	body := map[string]string{"order_line_id": orderLineId}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/document-lines/%d/link", invoiceLineId), nil, body, nil)
}

func (c *Client) AdjustLineQuantity(ctx context.Context, invoiceLineId int, quantity decimal.Decimal) error {
	body := map[string]string{"quantity": quantity.String()}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/document-lines/%d/quantity", invoiceLineId), nil, body, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, body interface{}, out interface{}) error {
	_, err := c.doJSONStatus(ctx, method, path, params, body, out)
	return err
}

func (c *Client) doJSONStatus(ctx context.Context, method, path string, params url.Values, body interface{}, out interface{}) (int, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return 0, &TransientError{Op: path, Err: ctx.Err()}
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, &FatalError{Op: path, Err: err}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, &FatalError{Op: path, Err: err}
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network-level failures (timeouts included) are retryable.
		return 0, &TransientError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return resp.StatusCode, &TransientError{Op: path, Err: fmt.Errorf("ledger api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &FatalError{Op: path, Err: fmt.Errorf("ledger api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	}

	if out != nil && len(respBody) > 0 && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, &FatalError{Op: path, Err: err}
		}
	}
	return resp.StatusCode, nil
}
