package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/planloop/offline-sync/store"
)

// HTTPRemoteClient implements the RemoteDataClient verbs against a
// syncd-shaped backend: JSON records under /stores/{store}/records.
type HTTPRemoteClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRemoteClient(baseURL string) *HTTPRemoteClient {
	return &HTTPRemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPRemoteClient) CreateDirect(ctx context.Context, storeName string, payload []byte) (*store.Record, error) {
	endpoint := fmt.Sprintf("%s/stores/%s/records", c.baseURL, url.PathEscape(storeName))
	return c.doRecord(ctx, http.MethodPost, endpoint, payload)
}

func (c *HTTPRemoteClient) UpdateDirect(ctx context.Context, storeName, id string, payload []byte) (*store.Record, error) {
	endpoint := fmt.Sprintf("%s/stores/%s/records/%s", c.baseURL, url.PathEscape(storeName), url.PathEscape(id))
	return c.doRecord(ctx, http.MethodPut, endpoint, payload)
}

func (c *HTTPRemoteClient) DeleteDirect(ctx context.Context, storeName, id string) error {
	endpoint := fmt.Sprintf("%s/stores/%s/records/%s", c.baseURL, url.PathEscape(storeName), url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", storeName, id, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	// a record already gone remotely is not a failure
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("delete %s/%s: unexpected status %d", storeName, id, resp.StatusCode)
	}
	return nil
}

func (c *HTTPRemoteClient) doRecord(ctx context.Context, method, endpoint string, payload []byte) (*store.Record, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, endpoint, resp.StatusCode)
	}
	var record store.Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("%s %s: failed to decode record: %w", method, endpoint, err)
	}
	return &record, nil
}
