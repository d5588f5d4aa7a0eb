package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dyluth/crucible/internal/objectstore"
	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/dyluth/crucible/pkg/wire"
)

// Register announces this compute service.
func (c *Client) Register(ctx context.Context, req wire.RegisterRequest) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/services/register", body: req})
}

// HeartbeatService refreshes the registration. Returns an error wrapping
// ErrNotFound when the server has expired it; register again.
func (c *Client) HeartbeatService(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/services/heartbeat"})
}

// Deregister removes the registration.
func (c *Client) Deregister(ctx context.Context) error {
	return c.do(ctx, request{method: http.MethodDelete, path: "/services/" + url.PathEscape(c.cfg.Identity)})
}

// Claim asks for up to req.Limit tasks. An empty result is not an error.
func (c *Client) Claim(ctx context.Context, req wire.ClaimRequest) ([]string, error) {
	var resp wire.ClaimResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/claim", body: req, out: &resp}); err != nil {
		return nil, err
	}
	if resp.Tasks == nil {
		resp.Tasks = []string{}
	}
	return resp.Tasks, nil
}

// GetTask fetches a task. Tasks are mutable, so this is never cached.
func (c *Client) GetTask(ctx context.Context, taskID string) (*taskgraph.Task, error) {
	var task taskgraph.Task
	if err := c.do(ctx, request{method: http.MethodGet, path: "/tasks/" + url.PathEscape(taskID), out: &task}); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetStatus fetches only a task's status.
func (c *Client) GetStatus(ctx context.Context, taskID string) (taskgraph.Status, error) {
	var resp wire.StatusResponse
	if err := c.do(ctx, request{method: http.MethodGet, path: "/tasks/" + url.PathEscape(taskID) + "/status", out: &resp}); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// HeartbeatTask extends this identity's claim on a task.
func (c *Client) HeartbeatTask(ctx context.Context, taskID string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/tasks/" + url.PathEscape(taskID) + "/heartbeat"})
}

// Report finishes a claimed task. A conflict (taskgraph.IsConflict) means
// the claim was lost and the outcome was discarded.
func (c *Client) Report(ctx context.Context, taskID string, req wire.ReportRequest) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/tasks/" + url.PathEscape(taskID) + "/report", body: req})
}

// PutObject stores a payload and returns its ref.
func (c *Client) PutObject(ctx context.Context, req wire.PutObjectRequest) (objectstore.Ref, error) {
	var resp wire.PutObjectResponse
	if err := c.do(ctx, request{method: http.MethodPut, path: "/objects", body: req, out: &resp}); err != nil {
		return "", err
	}
	return objectstore.Ref(resp.Ref), nil
}

// GetObject fetches an object, verifying its digest. Objects are immutable,
// so verified payloads are served from the local cache when present.
func (c *Client) GetObject(ctx context.Context, ref objectstore.Ref) ([]byte, error) {
	_, digest, err := ref.Parse()
	if err != nil {
		return nil, err
	}

	key := fingerprint(http.MethodGet, "/objects/"+ref.String())
	if c.cache != nil {
		if data, ok := c.cache.get(key); ok && objectstore.Digest(data) == digest {
			return data, nil
		}
	}

	var data []byte
	if err := c.do(ctx, request{method: http.MethodGet, path: "/objects/" + ref.String(), raw: &data}); err != nil {
		return nil, err
	}
	if objectstore.Digest(data) != digest {
		return nil, fmt.Errorf("%w: %s", objectstore.ErrCorrupt, ref)
	}

	if c.cache != nil {
		c.cache.put(key, data)
	}
	return data, nil
}
