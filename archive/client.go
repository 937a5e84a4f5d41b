package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elly2178/lc2-curapacs/dicomtag"
	"github.com/elly2178/lc2-curapacs/errors"
)

const defaultTimeout = 5 * time.Second

// Client is a typed HTTP client bound to one archive node's REST surface.
//
// Network failures (connection refused, timeout) are returned as classified
// transient errors wrapping errors.ErrPeerUnreachable; the client never
// retries on its own. Collapsing those errors into empty results is the
// reconciliation engine's decision, made once at its boundary, not here.
type Client struct {
	baseURL    string
	username   string
	password   string
	timeout    time.Duration
	findLimit  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the archive node at baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    defaultTimeout,
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the base URL this client is bound to
func (c *Client) URL() string {
	return c.baseURL
}

// Resource fetches one resource by kind and ID, e.g. ("study", "abc...") via
// GET /{collection}/{id}.
func (c *Client) Resource(ctx context.Context, level dicomtag.Level, id string) (Resource, error) {
	var resource Resource
	path := fmt.Sprintf("/%s/%s", collection(level), id)
	if err := c.getJSON(ctx, path, &resource); err != nil {
		return Resource{}, errors.Wrap(err, "Client", "Resource", path)
	}
	return resource, nil
}

// Subresources descends the resource hierarchy from res, returning all
// resources of the requested level below (or at) it. A resource whose type
// already matches level is returned as-is with no further network calls; an
// instance is always terminal.
func (c *Client) Subresources(ctx context.Context, res Resource, level dicomtag.Level) ([]Resource, error) {
	resLevel, err := res.Level()
	if err != nil {
		return nil, err
	}

	if resLevel == level || resLevel == dicomtag.LevelInstance {
		return []Resource{res}, nil
	}

	childLevel := resLevel + 1
	var out []Resource
	for _, childID := range res.children(resLevel) {
		child, err := c.Resource(ctx, childLevel, childID)
		if err != nil {
			return nil, err
		}
		descendants, err := c.Subresources(ctx, child, level)
		if err != nil {
			return nil, err
		}
		out = append(out, descendants...)
	}
	return out, nil
}

// TagSnapshot fetches the flat tag/value mapping describing one resource at
// the given level. Patient, study and series levels report the tags shared by
// all contained instances; the instance level reports the instance's own tags.
func (c *Client) TagSnapshot(ctx context.Context, id string, level dicomtag.Level) (TagSnapshot, error) {
	var path string
	if level == dicomtag.LevelInstance {
		path = fmt.Sprintf("/instances/%s/tags?short=true", id)
	} else {
		path = fmt.Sprintf("/%s/%s/shared-tags?short=true", collection(level), id)
	}

	var snapshot TagSnapshot
	if err := c.getJSON(ctx, path, &snapshot); err != nil {
		return nil, errors.Wrap(err, "Client", "TagSnapshot", path)
	}
	return snapshot, nil
}

// findRequest is the body of POST /tools/find
type findRequest struct {
	Level  string    `json:"Level"`
	Expand bool      `json:"Expand"`
	Query  FindQuery `json:"Query"`
	Limit  int       `json:"Limit,omitempty"`
}

// Find submits a one-level find request; it does not descend the hierarchy
func (c *Client) Find(ctx context.Context, query FindQuery, level dicomtag.Level) ([]Resource, error) {
	if query == nil {
		query = FindQuery{}
	}
	body := findRequest{
		Level:  level.String(),
		Expand: true,
		Query:  query,
		Limit:  c.findLimit,
	}

	c.logger.Debug("searching resources",
		"url", c.baseURL, "level", level.String(), "query_terms", len(query))

	var found []Resource
	if err := c.postJSON(ctx, "/tools/find", body, &found); err != nil {
		return nil, errors.Wrap(err, "Client", "Find", "post query")
	}
	return found, nil
}

// Instances lists the IDs of every instance known to this node
func (c *Client) Instances(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.getJSON(ctx, "/instances", &ids); err != nil {
		return nil, errors.Wrap(err, "Client", "Instances", "list instances")
	}
	return ids, nil
}

// PushInstance uploads one raw DICOM payload to this node's ingest endpoint
func (c *Client) PushInstance(ctx context.Context, data []byte) error {
	resp, err := c.do(ctx, http.MethodPost, "/instances", "application/dicom", bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "Client", "PushInstance", "upload")
	}
	resp.Body.Close()
	return nil
}

// FetchInstanceFrom downloads the instance's DICOM file from the remote node
// and ingests it into this node.
func (c *Client) FetchInstanceFrom(ctx context.Context, remote *Client, instanceID string) error {
	c.logger.Debug("fetching instance", "instance", instanceID, "from", remote.URL())

	resp, err := remote.do(ctx, http.MethodGet, fmt.Sprintf("/instances/%s/file", instanceID), "", nil)
	if err != nil {
		return errors.Wrap(err, "Client", "FetchInstanceFrom", "download file")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapTransient(err, "Client", "FetchInstanceFrom", "read file body")
	}
	return c.PushInstance(ctx, data)
}

// storeRequest is the body of POST /peers/{name}/store. Asynchronous is
// always true: job completion is the archive host's responsibility.
type storeRequest struct {
	Resources    []string `json:"Resources"`
	Asynchronous bool     `json:"Asynchronous"`
}

// storeResponse carries the job started by an asynchronous store
type storeResponse struct {
	ID   string `json:"ID"`
	Path string `json:"Path"`
}

// StoreToPeer asks this node to replicate the given resources to the named
// peer. Returns the archive host's job ID; the call does not wait for the
// job to finish.
func (c *Client) StoreToPeer(ctx context.Context, peerName string, resourceIDs []string) (string, error) {
	body := storeRequest{Resources: resourceIDs, Asynchronous: true}

	var job storeResponse
	path := fmt.Sprintf("/peers/%s/store", peerName)
	if err := c.postJSON(ctx, path, body, &job); err != nil {
		return "", errors.Wrap(err, "Client", "StoreToPeer", path)
	}
	return job.ID, nil
}

// getJSON issues a GET and decodes the JSON response into out
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

// postJSON issues a POST with a JSON body and decodes the JSON response
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.WrapInvalid(err, "Client", "postJSON", "encode body")
	}
	resp, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.decode(resp, out)
}

// cancelBody releases the request's timeout context when the caller closes
// the response body. The timeout has to outlive do itself: callers stream the
// body after do returns, and cancelling earlier kills that read.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// do performs one bounded round trip against the archive, attaching the
// credential header when configured. The timeout covers the full exchange
// including the body read; it is released when the response body is closed.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, errors.WrapInvalid(err, "Client", "do", "build request")
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req) //nolint:bodyclose // closed by callers
	if err != nil {
		cancel()
		c.logger.Error("archive request failed", "url", c.baseURL+path, "error", err)
		return nil, errors.WrapTransient(errors.ErrPeerUnreachable, "Client", "do",
			fmt.Sprintf("%s %s: %v", method, path, err))
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		cancel()
		return nil, errors.WrapInvalid(errors.ErrResourceNotFound, "Client", "do",
			fmt.Sprintf("%s %s", method, path))
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		c.logger.Warn("archive returned bad status", "url", c.baseURL+path, "status", resp.StatusCode)
		return nil, errors.WrapTransient(errors.ErrPeerUnreachable, "Client", "do",
			fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// decode reads a JSON response body into out, tolerating a nil target
func (c *Client) decode(resp *http.Response, out any) error {
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WrapInvalid(err, "Client", "decode", "parse response body")
	}
	return nil
}
