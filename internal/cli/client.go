// Package cli implements auditctl, a command line client for the read-side audit API. Commands
// are built with cobra; results print as go-pretty tables or, with --output json, as indented
// JSON. The API address and session token come from flags or the RK_API_URL and RK_API_TOKEN
// environment variables.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/recordkeeper/recordkeeper/internal/db/models"
	"github.com/recordkeeper/recordkeeper/internal/db/repositories"
	"github.com/recordkeeper/recordkeeper/internal/services"
	"github.com/recordkeeper/recordkeeper/internal/storage"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client calls the audit API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for baseURL. token may be empty when the
// server does not require a session.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// AlertList is the pending alerts response.
type AlertList struct {
	Alerts []models.AlertView `json:"alerts"`
	Total  int                `json:"total"`
}

// ArchiveList is the archive listing response.
type ArchiveList struct {
	Archives []storage.Object `json:"archives"`
	Total    int              `json:"total"`
}

// ArchiveRun is the on-demand archive response.
type ArchiveRun struct {
	Key     string `json:"key"`
	Written bool   `json:"written"`
}

// ListLogs fetches one page of audit records.
func (c *Client) ListLogs(ctx context.Context, params url.Values) (*repositories.AuditPage, error) {
	var page repositories.AuditPage
	if err := c.getJSON(ctx, "/api/v1/audit/logs", params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetLog fetches one record.
func (c *Client) GetLog(ctx context.Context, id int64) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	if err := c.getJSON(ctx, "/api/v1/audit/logs/"+strconv.FormatInt(id, 10), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Timeline fetches the history of one entity.
func (c *Client) Timeline(ctx context.Context, entityType, entityID string, params url.Values) (*repositories.AuditPage, error) {
	var page repositories.AuditPage
	path := "/api/v1/audit/entities/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID) + "/timeline"
	if err := c.getJSON(ctx, path, params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Stats fetches dashboard statistics for the trailing window.
func (c *Client) Stats(ctx context.Context, days, limit int) (*services.AuditStats, error) {
	params := url.Values{}
	if days > 0 {
		params.Set("days", strconv.Itoa(days))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var stats services.AuditStats
	if err := c.getJSON(ctx, "/api/v1/audit/stats", params, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Facets fetches the distinct modules and actions available for filtering.
func (c *Client) Facets(ctx context.Context) (*services.Facets, error) {
	var f services.Facets
	if err := c.getJSON(ctx, "/api/v1/audit/facets", nil, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// PendingAlerts fetches unacknowledged critical alerts.
func (c *Client) PendingAlerts(ctx context.Context) (*AlertList, error) {
	var list AlertList
	if err := c.getJSON(ctx, "/api/v1/audit/alerts/pending", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Acknowledge marks one alert reviewed.
func (c *Client) Acknowledge(ctx context.Context, id int64) error {
	path := "/api/v1/audit/alerts/" + strconv.FormatInt(id, 10) + "/acknowledge"
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Export streams the CSV export to w and returns the server's file name.
func (c *Client) Export(ctx context.Context, params url.Values, w io.Writer) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/audit/export", params)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("failed to read export: %w", err)
	}
	return attachmentName(resp.Header.Get("Content-Disposition")), nil
}

// Archives lists the stored daily archives.
func (c *Client) Archives(ctx context.Context) (*ArchiveList, error) {
	var list ArchiveList
	if err := c.getJSON(ctx, "/api/v1/audit/archives", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// DownloadArchive streams one stored archive to w.
func (c *Client) DownloadArchive(ctx context.Context, key string, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/audit/archives/download", url.Values{"key": {key}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	return nil
}

// RunArchive asks the server to archive one day (YYYY-MM-DD).
func (c *Client) RunArchive(ctx context.Context, date string) (*ArchiveRun, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/audit/archives/run", url.Values{"date": {date}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var run ArchiveRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &run, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// do sends the request and turns non-2xx answers into *APIError.
func (c *Client) do(ctx context.Context, method, path string, params url.Values) (*http.Response, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) == nil {
		apiErr.Message = body.Error
	}
	return nil, apiErr
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
