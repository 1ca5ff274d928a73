package merginsdk

import (
	"context"
	"fmt"
	"net/url"
)

// PushStart posts the structured delta and opens a server-side push
// transaction. A version race returns a ClientError with
// KindVersionMismatch.
func (c *Client) PushStart(ctx context.Context, ns, name string, start *PushStartRequest) (*PushStartResponse, error) {
	var out *PushStartResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(start).
		SetSuccessResult(&out).
		Post(fmt.Sprintf("/v1/project/push/%s/%s", url.PathEscape(ns), url.PathEscape(name)))

	if err := handleAPIError(resp, err, "push start"); err != nil {
		return nil, err
	}

	return out, nil
}

// PushChunk uploads one raw chunk body under the transaction token. The
// caller must verify the returned checksum against the locally computed one.
func (c *Client) PushChunk(ctx context.Context, transaction, chunkID string, data []byte) (*PushChunkResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chunkTimeout)
	defer cancel()

	var out *PushChunkResponse

	// chunk retries are owned by the sync pipeline, not the transport
	resp, err := c.http.R().
		SetContext(ctx).
		SetRetryCount(0).
		SetContentType("application/octet-stream").
		SetBodyBytes(data).
		SetSuccessResult(&out).
		Post(fmt.Sprintf("/v1/project/push/chunk/%s/%s", url.PathEscape(transaction), url.PathEscape(chunkID)))

	if err := handleAPIError(resp, err, "push chunk"); err != nil {
		return nil, err
	}

	return out, nil
}

// PushFinish closes the transaction; the server responds with the new
// project version.
func (c *Client) PushFinish(ctx context.Context, transaction string) (*PushFinishResponse, error) {
	var out *PushFinishResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Post("/v1/project/push/finish/" + url.PathEscape(transaction))

	if err := handleAPIError(resp, err, "push finish"); err != nil {
		return nil, err
	}

	return out, nil
}

// PushCancel releases a server-side transaction token.
func (c *Client) PushCancel(ctx context.Context, transaction string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/v1/project/push/cancel/" + url.PathEscape(transaction))

	return handleAPIError(resp, err, "push cancel")
}
