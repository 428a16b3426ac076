// internal/access/client.go
// Package access provides a client for the external access oracle that decides
// whether a user may download or upload a given dataset. It also registers
// grants for issued work order tokens so that the data plane can audit them.
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fedgenomics/work-package-service/internal/metrics"
	"github.com/fedgenomics/work-package-service/internal/model"
)

// ErrCheckFailed is returned when the access oracle answers with an
// unexpected status. Callers treat it as an internal failure, never as a deny.
var ErrCheckFailed = errors.New("access check failed")

// Client for the access oracle. The oracle exposes one API per work type
// (download and upload) behind separate base URLs.
type Client struct {
	urls    map[model.WorkType]string // base URL per work type
	hc      *http.Client              // HTTP client with custom configuration
	metrics *metrics.Metrics
}

// New creates a new access oracle client with the given base URLs.
// It configures appropriate timeouts for oracle requests.
func New(downloadURL, uploadURL string) *Client {
	// Configure HTTP transport with connection timeouts
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		urls: map[model.WorkType]string{
			model.WorkTypeDownload: downloadURL,
			model.WorkTypeUpload:   uploadURL,
		},
		hc:      &http.Client{Transport: transport, Timeout: 60 * time.Second},
		metrics: metrics.NewMetrics(),
	}
}

// baseURL returns the oracle base URL for the given work type.
func (c *Client) baseURL(workType model.WorkType) (string, error) {
	url := c.urls[workType]
	if url == "" {
		return "", fmt.Errorf("%w: no access URL configured for work type %q", ErrCheckFailed, workType)
	}
	return url, nil
}

// Check asks the oracle whether the given user may perform the given work type
// on the given dataset. A 200 answer with a true body means permitted, a 404
// means not permitted, anything else is an ErrCheckFailed.
func (c *Client) Check(ctx context.Context, userID, datasetID string, workType model.WorkType) (bool, error) {
	base, err := c.baseURL(workType)
	if err != nil {
		return false, err
	}
	url := fmt.Sprintf("%s/users/%s/datasets/%s", base, userID, datasetID)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.observe("check", "error", start)
		return false, fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// the oracle answers with a bare JSON boolean
		var allowed bool
		if err := json.NewDecoder(resp.Body).Decode(&allowed); err != nil {
			c.observe("check", "error", start)
			return false, fmt.Errorf("%w: %v", ErrCheckFailed, err)
		}
		c.observe("check", "ok", start)
		return allowed, nil
	case http.StatusNotFound:
		c.observe("check", "ok", start)
		return false, nil
	default:
		c.observe("check", "error", start)
		return false, fmt.Errorf("%w: %s", ErrCheckFailed, resp.Status)
	}
}

// ListDatasets returns the IDs of all datasets the given user may download.
// A 404 answer is treated as an empty list.
func (c *Client) ListDatasets(ctx context.Context, userID string) ([]string, error) {
	base, err := c.baseURL(model.WorkTypeDownload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/users/%s/datasets", base, userID)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		c.observe("list", "error", start)
		return nil, fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var datasetIDs []string
		if err := json.NewDecoder(resp.Body).Decode(&datasetIDs); err != nil {
			c.observe("list", "error", start)
			return nil, fmt.Errorf("%w: %v", ErrCheckFailed, err)
		}
		c.observe("list", "ok", start)
		return datasetIDs, nil
	case http.StatusNotFound:
		c.observe("list", "ok", start)
		return []string{}, nil
	default:
		c.observe("list", "error", start)
		return nil, fmt.Errorf("%w: %s", ErrCheckFailed, resp.Status)
	}
}

// grantNotification is the body posted to the oracle when a work order token
// has been minted.
type grantNotification struct {
	ValidUntil time.Time `json:"valid_until"`
}

// RegisterGrant notifies the oracle that a work order token was minted for the
// given user and file. The notification is best-effort telemetry; callers log
// a returned error but never fail the operation on it.
func (c *Client) RegisterGrant(ctx context.Context, userID, fileID string, validUntil time.Time) error {
	base, err := c.baseURL(model.WorkTypeDownload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/users/%s/files/%s/grants", base, userID, fileID)

	body, err := json.Marshal(grantNotification{ValidUntil: validUntil})
	if err != nil {
		return err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		c.observe("register_grant", "error", start)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.observe("register_grant", "error", start)
		return fmt.Errorf("grant registration failed: %s", resp.Status)
	}
	c.observe("register_grant", "ok", start)
	return nil
}

// observe records oracle call metrics.
func (c *Client) observe(operation, status string, start time.Time) {
	c.metrics.AccessCheckTotal.WithLabelValues(operation, status).Inc()
	c.metrics.AccessCheckDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}
