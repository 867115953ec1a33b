package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"
)

// Download streams the content of a remote file. A non-zero offset resumes an
// interrupted download with a Range request; the returned etag identifies the
// version actually served. Closing the reader aborts the transfer.
func (c *Client) Download(ctx context.Context, relPath string, offset int64) (io.ReadCloser, string, error) {
	ctx, cancel := context.WithTimeout(ctx, DataTimeout)

	req, err := c.newRequest(ctx, http.MethodGet, relPath, nil)
	if err != nil {
		cancel()
		return nil, "", err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.do(req)
	if err != nil {
		cancel()
		return nil, "", err
	}
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the range: fail rather than serve content from byte
		// 0. Nothing here restarts the download from scratch.
		resp.Body.Close()
		cancel()
		return nil, "", fmt.Errorf("range request for %q not honored", relPath)
	}

	etag := trimEtag(resp.Header.Get("ETag"))
	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, etag, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// PutResult carries the identity the server assigned to uploaded content.
type PutResult struct {
	Etag          string
	FileID        string
	MtimeAccepted bool
}

// Upload PUTs content for a file in one request. A non-empty ifMatchEtag adds
// the If-Match precondition that turns lost updates into ErrPreconditionFailed;
// ifNoneMatch guards the initial upload of a brand-new file instead. The local
// mtime travels in X-OC-Mtime so both sides agree on modification time.
func (c *Client) Upload(ctx context.Context, relPath string, content io.Reader, size int64, mtime time.Time, ifMatchEtag string, ifNoneMatch bool) (*PutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DataTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPut, relPath, content)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-OC-Mtime", strconv.FormatInt(mtime.Unix(), 10))
	if ifMatchEtag != "" {
		req.Header.Set("If-Match", `"`+ifMatchEtag+`"`)
	} else if ifNoneMatch {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return &PutResult{
		Etag:          trimEtag(resp.Header.Get("ETag")),
		FileID:        resp.Header.Get("OC-FileId"),
		MtimeAccepted: resp.Header.Get("X-OC-Mtime") == "accepted",
	}, nil
}

// Mkcol creates a remote directory.
func (c *Client) Mkcol(ctx context.Context, relPath string) (*PutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "MKCOL", relPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return &PutResult{
		Etag:   trimEtag(resp.Header.Get("ETag")),
		FileID: resp.Header.Get("OC-FileId"),
	}, nil
}

// Delete removes a remote file or collection (recursively, per WebDAV).
func (c *Client) Delete(ctx context.Context, relPath string) error {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, relPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// Move renames a remote object. No content moves; the server relinks.
func (c *Client) Move(ctx context.Context, fromRel, toRel string) error {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "MOVE", fromRel, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Destination", c.destinationHeader(toRel))
	req.Header.Set("Overwrite", "F")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// destinationHeader escapes a destination path the way MOVE expects it.
func (c *Client) destinationHeader(relPath string) string {
	u := *c.baseURL
	u.Path = path.Join(c.davRoot, relPath)
	return u.String()
}

// absoluteURL is like destinationHeader for paths outside the sync root
// (chunk assembly targets live in the uploads namespace).
func (c *Client) absoluteURL(absPath string) string {
	u := *c.baseURL
	u.Path = absPath
	return u.String()
}

func trimEtag(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
