package mrpeasy

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
)

const defaultBaseURL = "https://api.mrpeasy.com/rest/v1"

// pageSize matches the API's Range-header paging window.
const pageSize = 100

// Client talks to the MRPeasy REST API using HTTP basic auth.
// The API is rate limited, so every request waits on the shared limiter.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClient() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("MRPEASY_API_KEY"))
	apiSecret := strings.TrimSpace(os.Getenv("MRPEASY_API_SECRET"))
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("MRPEASY_API_KEY and MRPEASY_API_SECRET must be set")
	}

	baseURL := strings.TrimSpace(os.Getenv("MRPEASY_API_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("MRPEASY_HTTP_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			timeout = d
		}
	}

	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("MRPEASY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
		limiter:   time.Tick(interval),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, rangeHdr string, body any) ([]byte, int, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if rangeHdr != "" {
		req.Header.Set("Range", rangeHdr)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return respBody, resp.StatusCode, apiErr
	}
	return respBody, resp.StatusCode, nil
}

// ListOrders fetches manufacturing orders page by page using the API's
// Range header (items=N-M, answered with 200 or 206). filters are passed
// through as query params (status, item_code, created_min, ...).
func (c *Client) ListOrders(ctx context.Context, filters url.Values) ([]ManufacturingOrder, error) {
	var orders []ManufacturingOrder
	start := 0

	for {
		rangeHdr := fmt.Sprintf("items=%d-%d", start, start+pageSize-1)
		body, _, err := c.do(ctx, http.MethodGet, "/manufacturing-orders", filters, rangeHdr, nil)
		if err != nil {
			return nil, err
		}

		var page []ManufacturingOrder
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("parse manufacturing orders page: %w", err)
		}
		if len(page) == 0 {
			break
		}
		orders = append(orders, page...)
		if len(page) < pageSize {
			break
		}
		start += pageSize
	}
	return orders, nil
}

// SearchOrdersByLot returns every order whose target lots contain lotCode.
// The API has no lot filter, so this lists and filters client-side.
func (c *Client) SearchOrdersByLot(ctx context.Context, lotCode string) ([]ManufacturingOrder, error) {
	all, err := c.ListOrders(ctx, nil)
	if err != nil {
		return nil, err
	}

	var matches []ManufacturingOrder
	for _, mo := range all {
		if mo.HasLot(lotCode) {
			matches = append(matches, mo)
		}
	}
	return matches, nil
}

// GetOrder fetches full detail for one order.
func (c *Client) GetOrder(ctx context.Context, id int64) (*ManufacturingOrder, error) {
	body, status, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/manufacturing-orders/%d", id), nil, "", nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
		}
		return nil, err
	}

	var mo ManufacturingOrder
	if err := json.Unmarshal(body, &mo); err != nil {
		return nil, fmt.Errorf("parse manufacturing order %d: %w", id, err)
	}
	return &mo, nil
}

// UpdateOrder writes actual quantity and status in a single PUT. The API
// answers 200 or 204 on success.
func (c *Client) UpdateOrder(ctx context.Context, id int64, input UpdateOrderInput) error {
	_, _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/manufacturing-orders/%d", id), nil, "", input)
	return err
}
