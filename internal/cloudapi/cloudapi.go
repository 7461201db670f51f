// Package cloudapi is the typed HTTP client for the remote content store:
// list/get/put/delete/heartbeat, plus a sync-config bootstrap call for the
// push subscriber, all bearer-authenticated, all under /api/{user}/....
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/mdflare/agent/internal/model"
)

// Client is a synchronous HTTP client keyed by (base, username, token).
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Username   string
	Token      string
}

// New constructs a Client with a default HTTP timeout, so a hung remote
// can't block the sync engine's lock forever.
func New(baseURL, username, token string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		BaseURL:    baseURL,
		Username:   username,
		Token:      token,
	}
}

func (c *Client) filesURL() string {
	return fmt.Sprintf("%s/api/%s/files", c.BaseURL, url.PathEscape(c.Username))
}

func (c *Client) fileURL(relPath string) string {
	return fmt.Sprintf("%s/api/%s/file/%s", c.BaseURL, url.PathEscape(c.Username), url.PathEscape(relPath))
}

func (c *Client) agentStatusURL() string {
	return fmt.Sprintf("%s/api/%s/agent-status", c.BaseURL, url.PathEscape(c.Username))
}

func (c *Client) syncConfigURL() string {
	return fmt.Sprintf("%s/api/%s/sync-config", c.BaseURL, url.PathEscape(c.Username))
}

func (c *Client) newRequest(ctx context.Context, method, reqURL string, body []byte) (*http.Request, error) {
	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type filesResponse struct {
	User  string          `json:"user"`
	Files []model.FileNode `json:"files"`
}

// List fetches the remote file tree (GET /api/{user}/files).
func (c *Client) List(ctx context.Context) ([]model.FileNode, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.filesURL(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building list request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("list files: unexpected status %d", resp.StatusCode)
	}
	var parsed filesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decoding list response")
	}
	return parsed.Files, nil
}

// Get fetches one file's full content (GET /api/{user}/file/{path}).
func (c *Client) Get(ctx context.Context, relPath string) (model.FileContent, error) {
	var out model.FileContent
	req, err := c.newRequest(ctx, http.MethodGet, c.fileURL(relPath), nil)
	if err != nil {
		return out, errors.Wrap(err, "building get request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return out, errors.Wrapf(err, "get file %s", relPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, errors.Errorf("get file %s: unexpected status %d", relPath, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Wrapf(err, "decoding file %s", relPath)
	}
	return out, nil
}

type putRequest struct {
	Content string            `json:"content"`
	OldHash *string           `json:"oldHash,omitempty"`
	Diff    *model.DiffScript `json:"diff,omitempty"`
}

// Put uploads full content for relPath, optionally attaching the prior
// fingerprint and a diff (PUT /api/{user}/file/{path}). The server is free
// to store only the diff when both are present; that decision is opaque to
// this client.
func (c *Client) Put(ctx context.Context, relPath, content string, oldHash *string, diff *model.DiffScript) error {
	body, err := json.Marshal(putRequest{Content: content, OldHash: oldHash, Diff: diff})
	if err != nil {
		return errors.Wrap(err, "encoding put body")
	}
	req, err := c.newRequest(ctx, http.MethodPut, c.fileURL(relPath), body)
	if err != nil {
		return errors.Wrap(err, "building put request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "put file %s", relPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("put file %s: unexpected status %d", relPath, resp.StatusCode)
	}
	return nil
}

// Delete removes a file remotely (DELETE /api/{user}/file/{path}).
func (c *Client) Delete(ctx context.Context, relPath string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.fileURL(relPath), nil)
	if err != nil {
		return errors.Wrap(err, "building delete request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "delete file %s", relPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusNotFound {
		return errors.Errorf("delete file %s: unexpected status %d", relPath, resp.StatusCode)
	}
	return nil
}

// Heartbeat is a best-effort notification that the agent is alive (PUT
// /api/{user}/agent-status). Errors are deliberately swallowed.
func (c *Client) Heartbeat(ctx context.Context) {
	req, err := c.newRequest(ctx, http.MethodPut, c.agentStatusURL(), nil)
	if err != nil {
		return
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// SyncConfig is the bootstrap payload for the push subscriber (C5b).
type SyncConfig struct {
	RTDBURL  string `json:"rtdbUrl"`
	RTDBAuth string `json:"rtdbAuth"`
	UserID   string `json:"userId"`
}

// GetSyncConfig fetches the realtime-channel bootstrap (GET
// /api/{user}/sync-config).
func (c *Client) GetSyncConfig(ctx context.Context) (SyncConfig, error) {
	var out SyncConfig
	req, err := c.newRequest(ctx, http.MethodGet, c.syncConfigURL(), nil)
	if err != nil {
		return out, errors.Wrap(err, "building sync-config request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return out, errors.Wrap(err, "get sync-config")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, errors.Errorf("get sync-config: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Wrap(err, "decoding sync-config")
	}
	return out, nil
}
