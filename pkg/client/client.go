// Package client is a Go client library for the TaskChampion sync
// protocol server, one method per server operation, modeled on the
// constructor-plus-method-per-operation shape of docdb's pkg/client.
// It doubles as this repository's reference client. The repository's
// own HTTP tests (internal/httpapi) drive the router directly through
// httptest and do not use this package.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

const (
	contentTypeHistorySegment = "application/vnd.taskchampion.history-segment"
	contentTypeSnapshot       = "application/vnd.taskchampion.snapshot"

	headerClientID            = "X-Client-Id"
	headerVersionID           = "X-Version-Id"
	headerParentVersionID     = "X-Parent-Version-Id"
	headerSnapshotRequest     = "X-Snapshot-Request"
)

// ErrParentMismatch is returned by AddVersion when the server's current
// latest version disagrees with the submitted parent; ExpectedVersionID
// on the returned AddVersionResult carries the server's value.
var ErrParentMismatch = errors.New("client: parent version mismatch")

// Client talks to one sync server on behalf of one client id.
type Client struct {
	baseURL  string
	clientID uuid.UUID
	http     *http.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8080"),
// authenticating as clientID via the X-Client-Id header.
func New(baseURL string, clientID uuid.UUID) *Client {
	return &Client{baseURL: baseURL, clientID: clientID, http: http.DefaultClient}
}

// WithHTTPClient overrides the underlying *http.Client, e.g. to set
// timeouts or a custom transport.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// AddVersionResult is the parsed outcome of AddVersion.
type AddVersionResult struct {
	Ok                bool
	NewVersionID      uuid.UUID
	ExpectedParent    bool
	ExpectedVersionID uuid.UUID
	SnapshotUrgency   string // "", "low", or "high"
}

// AddVersion uploads a new version with the given parent and body.
func (c *Client) AddVersion(ctx context.Context, parentVersionID uuid.UUID, historySegment []byte) (AddVersionResult, error) {
	url := fmt.Sprintf("%s/v1/client/add-version/%s", c.baseURL, parentVersionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newBodyReader(historySegment))
	if err != nil {
		return AddVersionResult{}, fmt.Errorf("client: add version: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeHistorySegment)
	c.setClientID(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return AddVersionResult{}, fmt.Errorf("client: add version: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		vid, err := uuid.Parse(resp.Header.Get(headerVersionID))
		if err != nil {
			return AddVersionResult{}, fmt.Errorf("client: add version: parse %s: %w", headerVersionID, err)
		}
		return AddVersionResult{
			Ok:              true,
			NewVersionID:    vid,
			SnapshotUrgency: parseUrgency(resp.Header.Get(headerSnapshotRequest)),
		}, nil
	case http.StatusConflict:
		expected, err := uuid.Parse(resp.Header.Get(headerParentVersionID))
		if err != nil {
			return AddVersionResult{}, fmt.Errorf("client: add version: parse %s: %w", headerParentVersionID, err)
		}
		return AddVersionResult{ExpectedParent: true, ExpectedVersionID: expected}, ErrParentMismatch
	default:
		return AddVersionResult{}, statusError("add version", resp)
	}
}

// AddSnapshot uploads a snapshot for versionID. The server's acceptance
// is silent by protocol design; a nil error only means the request was
// well formed, not that the snapshot was kept.
func (c *Client) AddSnapshot(ctx context.Context, versionID uuid.UUID, data []byte) error {
	url := fmt.Sprintf("%s/v1/client/add-snapshot/%s", c.baseURL, versionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newBodyReader(data))
	if err != nil {
		return fmt.Errorf("client: add snapshot: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeSnapshot)
	c.setClientID(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: add snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("add snapshot", resp)
	}
	return nil
}

// ChildVersion is the parsed success payload of GetChildVersion.
type ChildVersion struct {
	Found           bool
	Gone            bool
	VersionID       uuid.UUID
	ParentVersionID uuid.UUID
	HistorySegment  []byte
}

// GetChildVersion fetches the version whose parent is parentVersionID.
func (c *Client) GetChildVersion(ctx context.Context, parentVersionID uuid.UUID) (ChildVersion, error) {
	url := fmt.Sprintf("%s/v1/client/get-child-version/%s", c.baseURL, parentVersionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ChildVersion{}, fmt.Errorf("client: get child version: build request: %w", err)
	}
	c.setClientID(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return ChildVersion{}, fmt.Errorf("client: get child version: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ChildVersion{}, fmt.Errorf("client: get child version: read body: %w", err)
		}
		vid, err := uuid.Parse(resp.Header.Get(headerVersionID))
		if err != nil {
			return ChildVersion{}, fmt.Errorf("client: get child version: parse %s: %w", headerVersionID, err)
		}
		pid, err := uuid.Parse(resp.Header.Get(headerParentVersionID))
		if err != nil {
			return ChildVersion{}, fmt.Errorf("client: get child version: parse %s: %w", headerParentVersionID, err)
		}
		return ChildVersion{Found: true, VersionID: vid, ParentVersionID: pid, HistorySegment: body}, nil
	case http.StatusNotFound:
		return ChildVersion{}, nil
	case http.StatusGone:
		return ChildVersion{Gone: true}, nil
	default:
		return ChildVersion{}, statusError("get child version", resp)
	}
}

// Snapshot is the parsed success payload of GetSnapshot.
type Snapshot struct {
	Found     bool
	VersionID uuid.UUID
	Data      []byte
}

// GetSnapshot fetches the client's current snapshot, if any.
func (c *Client) GetSnapshot(ctx context.Context) (Snapshot, error) {
	url := fmt.Sprintf("%s/v1/client/snapshot", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("client: get snapshot: build request: %w", err)
	}
	c.setClientID(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("client: get snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Snapshot{}, fmt.Errorf("client: get snapshot: read body: %w", err)
		}
		vid, err := uuid.Parse(resp.Header.Get(headerVersionID))
		if err != nil {
			return Snapshot{}, fmt.Errorf("client: get snapshot: parse %s: %w", headerVersionID, err)
		}
		return Snapshot{Found: true, VersionID: vid, Data: body}, nil
	case http.StatusNotFound:
		return Snapshot{}, nil
	default:
		return Snapshot{}, statusError("get snapshot", resp)
	}
}

func (c *Client) setClientID(req *http.Request) {
	req.Header.Set(headerClientID, c.clientID.String())
}

func parseUrgency(header string) string {
	const prefix = "urgency="
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func statusError(op string, resp *http.Response) error {
	return fmt.Errorf("client: %s: unexpected status %s", op, resp.Status)
}
