package merginsdk

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
)

// GetProjectInfo fetches the current server manifest for `ns/name`.
// Pass since >= 0 to tell the server the client's baseline version.
func (c *Client) GetProjectInfo(ctx context.Context, ns, name string, since int) (*ProjectInfo, error) {
	var info *ProjectInfo

	r := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&info)

	if since >= 0 {
		r.SetQueryParam("since", strconv.Itoa(since))
	}

	resp, err := r.Get(projectURL(ns, name))
	if err := handleAPIError(resp, err, "project info"); err != nil {
		return nil, err
	}

	return info, nil
}

// ListProjects fetches the cross-project listing, optionally filtered.
func (c *Client) ListProjects(ctx context.Context, params *ListProjectsParams) ([]ProjectListEntry, error) {
	var entries []ProjectListEntry

	r := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&entries)

	if params != nil {
		if params.Search != "" {
			r.SetQueryParam("name", params.Search)
		}
		if params.User != "" && params.Flag != "" {
			r.SetQueryParam(params.Flag, params.User)
		}
		if params.Tag != "" {
			r.SetQueryParam("tags", params.Tag)
		}
	}

	resp, err := r.Get("/v1/project")
	if err := handleAPIError(resp, err, "list projects"); err != nil {
		return nil, err
	}

	return entries, nil
}

// DownloadChunk streams one chunk of a file at a given project version into w.
// Chunks are requested by index and served as raw octet streams.
func (c *Client) DownloadChunk(ctx context.Context, ns, name, file string, projectVersion, chunk int, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	// chunk retries are owned by the sync pipeline, not the transport
	resp, err := c.http.R().
		SetContext(ctx).
		SetRetryCount(0).
		DisableAutoReadResponse().
		SetQueryParam("file", file).
		SetQueryParam("version", fmt.Sprintf("v%d", projectVersion)).
		SetQueryParam("chunk", strconv.Itoa(chunk)).
		Get(fmt.Sprintf("/v1/project/raw/%s/%s", url.PathEscape(ns), url.PathEscape(name)))

	if err != nil {
		return 0, &ClientError{Kind: KindNetwork, Op: "download chunk", Err: err}
	}
	defer resp.Body.Close()

	if resp.IsErrorState() {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &ClientError{
			Kind:   kindFromStatus(resp.GetStatusCode()),
			Op:     "download chunk",
			Status: resp.GetStatusCode(),
			Detail: extractServerError(body),
		}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &ClientError{Kind: KindNetwork, Op: "download chunk", Err: err}
	}
	return n, nil
}

// CreateProject creates an empty project on the server.
func (c *Client) CreateProject(ctx context.Context, ns, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"name": name}).
		Post("/v1/project/" + url.PathEscape(ns))

	return handleAPIError(resp, err, "create project")
}

// DeleteProject removes a project on the server.
func (c *Client) DeleteProject(ctx context.Context, ns, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete(projectURL(ns, name))

	return handleAPIError(resp, err, "delete project")
}

func projectURL(ns, name string) string {
	return fmt.Sprintf("/v1/project/%s/%s", url.PathEscape(ns), url.PathEscape(name))
}
