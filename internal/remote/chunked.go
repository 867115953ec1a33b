package remote

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

// ChunkDialect selects one of the chunked-upload protocols the server may
// advertise. Higher values are preferred when several are available.
type ChunkDialect int

const (
	DialectNone ChunkDialect = iota
	// DialectNumberedChunks uploads fixed-size numbered chunks into a
	// per-transfer collection and assembles them with a final MOVE.
	DialectNumberedChunks
	// DialectServerOffsets appends to a server-side scratch file at
	// explicit byte offsets.
	DialectServerOffsets
	// DialectResumableToken drives a resumable-upload token: the server
	// reports the committed offset and the client appends from there.
	DialectResumableToken
)

func (d ChunkDialect) String() string {
	switch d {
	case DialectNumberedChunks:
		return "numbered"
	case DialectServerOffsets:
		return "offsets"
	case DialectResumableToken:
		return "token"
	default:
		return "none"
	}
}

// ChunkSession is one in-progress chunked upload. The propagator journals
// acknowledged chunks after every UploadChunk so a crashed sync resumes
// without retransmitting.
type ChunkSession interface {
	Dialect() ChunkDialect
	TransferID() string

	// AckedChunks asks the server which chunk numbers it already holds.
	AckedChunks(ctx context.Context) (map[int]bool, error)

	// UploadChunk transmits one chunk. number and offset both identify the
	// chunk; dialects use whichever their protocol needs.
	UploadChunk(ctx context.Context, number int, offset int64, content io.Reader, size int64) error

	// Finalize assembles the chunks into the target file. ifMatchEtag guards
	// against lost updates exactly like a plain PUT.
	Finalize(ctx context.Context, ifMatchEtag string, mtime time.Time) (*PutResult, error)

	// Abort discards the server-side session.
	Abort(ctx context.Context) error
}

// uploadsRoot derives the scratch namespace used for chunk sessions from the
// dav files root ( .../files/<user>/... -> .../uploads/<user> ).
func (c *Client) uploadsRoot() string {
	if i := strings.Index(c.davRoot, "/files/"); i >= 0 {
		rest := c.davRoot[i+len("/files/"):]
		user := rest
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			user = rest[:j]
		}
		return c.davRoot[:i] + "/uploads/" + user
	}
	return c.davRoot + "/.uploads"
}

// NewChunkSession creates (or re-attaches to) a chunk session for relPath.
// Reusing a journaled transferID resumes the previous session.
func (c *Client) NewChunkSession(ctx context.Context, dialect ChunkDialect, relPath, transferID string, totalSize int64) (ChunkSession, error) {
	switch dialect {
	case DialectNumberedChunks:
		s := &numberedSession{client: c, relPath: relPath, transferID: transferID}
		return s, s.ensure(ctx)
	case DialectServerOffsets:
		return &offsetSession{client: c, relPath: relPath, transferID: transferID, totalSize: totalSize}, nil
	case DialectResumableToken:
		s := &tokenSession{client: c, relPath: relPath, transferID: transferID, totalSize: totalSize}
		return s, s.ensure(ctx)
	default:
		return nil, fmt.Errorf("no chunked dialect negotiated")
	}
}

// chunkRequest is the shared request helper with the per-chunk data timeout.
// Resetting the deadline per chunk is the heartbeat that keeps long uploads
// alive.
func (c *Client) chunkRequest(ctx context.Context, method, absPath string, body io.Reader, size int64, header http.Header) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, DataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.absoluteURL(absPath), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s: %w", method, absPath, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if size >= 0 {
		req.ContentLength = size
	}
	if err := c.creds.Sign(req); err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func drainClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// ---- numbered chunks ----

type numberedSession struct {
	client     *Client
	relPath    string
	transferID string
}

func (s *numberedSession) Dialect() ChunkDialect { return DialectNumberedChunks }
func (s *numberedSession) TransferID() string    { return s.transferID }

func (s *numberedSession) dir() string {
	return path.Join(s.client.uploadsRoot(), s.transferID)
}

// ensure creates the session collection; 405 (already exists) is fine when
// resuming.
func (s *numberedSession) ensure(ctx context.Context) error {
	resp, err := s.client.chunkRequest(ctx, "MKCOL", s.dir(), nil, -1, nil)
	if err != nil {
		if code := HTTPStatusCode(err); code == http.StatusMethodNotAllowed {
			return nil
		}
		return err
	}
	drainClose(resp)
	return nil
}

func (s *numberedSession) AckedChunks(ctx context.Context) (map[int]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "PROPFIND", s.client.absoluteURL(s.dir()), strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.client.userAgent)
	req.Header.Set("Depth", "1")
	if err := s.client.creds.Sign(req); err != nil {
		return nil, err
	}
	resp, err := s.client.do(req)
	if err != nil {
		if code := HTTPStatusCode(err); code == http.StatusNotFound {
			return map[int]bool{}, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	var ms multistatus
	if derr := xml.NewDecoder(resp.Body).Decode(&ms); derr != nil {
		return nil, fmt.Errorf("failed to parse chunk listing: %w", derr)
	}

	acked := make(map[int]bool)
	for _, r := range ms.Responses {
		name := path.Base(r.Href)
		if n, aerr := strconv.Atoi(name); aerr == nil {
			acked[n] = true
		}
	}
	return acked, nil
}

func (s *numberedSession) UploadChunk(ctx context.Context, number int, offset int64, content io.Reader, size int64) error {
	chunkPath := path.Join(s.dir(), fmt.Sprintf("%05d", number))
	resp, err := s.client.chunkRequest(ctx, http.MethodPut, chunkPath, content, size, nil)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

func (s *numberedSession) Finalize(ctx context.Context, ifMatchEtag string, mtime time.Time) (*PutResult, error) {
	header := make(http.Header)
	header.Set("Destination", s.client.destinationHeader(s.relPath))
	header.Set("X-OC-Mtime", strconv.FormatInt(mtime.Unix(), 10))
	if ifMatchEtag != "" {
		header.Set("If-Match", `"`+ifMatchEtag+`"`)
	}

	resp, err := s.client.chunkRequest(ctx, "MOVE", path.Join(s.dir(), ".file"), nil, -1, header)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	return &PutResult{
		Etag:          trimEtag(resp.Header.Get("ETag")),
		FileID:        resp.Header.Get("OC-FileId"),
		MtimeAccepted: resp.Header.Get("X-OC-Mtime") == "accepted",
	}, nil
}

func (s *numberedSession) Abort(ctx context.Context) error {
	resp, err := s.client.chunkRequest(ctx, http.MethodDelete, s.dir(), nil, -1, nil)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// ---- server-assigned offsets ----

type offsetSession struct {
	client     *Client
	relPath    string
	transferID string
	totalSize  int64
	chunkSize  int64
}

func (s *offsetSession) Dialect() ChunkDialect { return DialectServerOffsets }
func (s *offsetSession) TransferID() string    { return s.transferID }

func (s *offsetSession) scratch() string {
	return path.Join(s.client.uploadsRoot(), s.transferID)
}

// AckedChunks maps the scratch file's committed length back to chunk numbers.
// The offsets dialect appends strictly in order, so everything below the
// committed offset is acknowledged.
func (s *offsetSession) AckedChunks(ctx context.Context) (map[int]bool, error) {
	resp, err := s.client.chunkRequest(ctx, http.MethodHead, s.scratch(), nil, -1, nil)
	if err != nil {
		if code := HTTPStatusCode(err); code == http.StatusNotFound {
			return map[int]bool{}, nil
		}
		return nil, err
	}
	drainClose(resp)

	committed, _ := strconv.ParseInt(resp.Header.Get("OC-Committed-Offset"), 10, 64)
	if committed == 0 {
		committed, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	}
	acked := make(map[int]bool)
	if s.chunkSize > 0 {
		for n := 0; int64(n+1)*s.chunkSize <= committed; n++ {
			acked[n] = true
		}
	}
	return acked, nil
}

func (s *offsetSession) UploadChunk(ctx context.Context, number int, offset int64, content io.Reader, size int64) error {
	if s.chunkSize == 0 && number == 0 {
		s.chunkSize = size
	}
	header := make(http.Header)
	header.Set("OC-Chunk-Offset", strconv.FormatInt(offset, 10))
	header.Set("OC-Transfer-Id", s.transferID)
	header.Set("OC-Total-Length", strconv.FormatInt(s.totalSize, 10))

	resp, err := s.client.chunkRequest(ctx, http.MethodPut, s.scratch(), content, size, header)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

func (s *offsetSession) Finalize(ctx context.Context, ifMatchEtag string, mtime time.Time) (*PutResult, error) {
	header := make(http.Header)
	header.Set("Destination", s.client.destinationHeader(s.relPath))
	header.Set("X-OC-Mtime", strconv.FormatInt(mtime.Unix(), 10))
	if ifMatchEtag != "" {
		header.Set("If-Match", `"`+ifMatchEtag+`"`)
	}
	resp, err := s.client.chunkRequest(ctx, "MOVE", s.scratch(), nil, -1, header)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	return &PutResult{
		Etag:          trimEtag(resp.Header.Get("ETag")),
		FileID:        resp.Header.Get("OC-FileId"),
		MtimeAccepted: resp.Header.Get("X-OC-Mtime") == "accepted",
	}, nil
}

func (s *offsetSession) Abort(ctx context.Context) error {
	resp, err := s.client.chunkRequest(ctx, http.MethodDelete, s.scratch(), nil, -1, nil)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

// ---- resumable token ----

type tokenSession struct {
	client     *Client
	relPath    string
	transferID string
	totalSize  int64
	chunkSize  int64
}

func (s *tokenSession) Dialect() ChunkDialect { return DialectResumableToken }
func (s *tokenSession) TransferID() string    { return s.transferID }

func (s *tokenSession) endpoint() string {
	return path.Join(s.client.uploadsRoot(), "resumable", s.transferID)
}

// ensure registers the token; servers answer 409 when the token already
// exists, which is exactly the resume case.
func (s *tokenSession) ensure(ctx context.Context) error {
	header := make(http.Header)
	header.Set("Upload-Length", strconv.FormatInt(s.totalSize, 10))
	resp, err := s.client.chunkRequest(ctx, http.MethodPost, s.endpoint(), nil, 0, header)
	if err != nil {
		if code := HTTPStatusCode(err); code == http.StatusConflict {
			return nil
		}
		return err
	}
	drainClose(resp)
	return nil
}

func (s *tokenSession) AckedChunks(ctx context.Context) (map[int]bool, error) {
	resp, err := s.client.chunkRequest(ctx, http.MethodHead, s.endpoint(), nil, -1, nil)
	if err != nil {
		if code := HTTPStatusCode(err); code == http.StatusNotFound {
			return map[int]bool{}, nil
		}
		return nil, err
	}
	drainClose(resp)

	committed, _ := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	acked := make(map[int]bool)
	if s.chunkSize > 0 {
		for n := 0; int64(n+1)*s.chunkSize <= committed; n++ {
			acked[n] = true
		}
	}
	return acked, nil
}

func (s *tokenSession) UploadChunk(ctx context.Context, number int, offset int64, content io.Reader, size int64) error {
	if s.chunkSize == 0 && number == 0 {
		s.chunkSize = size
	}
	header := make(http.Header)
	header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
	header.Set("Content-Type", "application/offset+octet-stream")

	resp, err := s.client.chunkRequest(ctx, http.MethodPatch, s.endpoint(), content, size, header)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}

func (s *tokenSession) Finalize(ctx context.Context, ifMatchEtag string, mtime time.Time) (*PutResult, error) {
	header := make(http.Header)
	header.Set("Destination", s.client.destinationHeader(s.relPath))
	header.Set("X-OC-Mtime", strconv.FormatInt(mtime.Unix(), 10))
	if ifMatchEtag != "" {
		header.Set("If-Match", `"`+ifMatchEtag+`"`)
	}
	resp, err := s.client.chunkRequest(ctx, "MOVE", s.endpoint(), nil, -1, header)
	if err != nil {
		return nil, err
	}
	defer drainClose(resp)
	return &PutResult{
		Etag:          trimEtag(resp.Header.Get("ETag")),
		FileID:        resp.Header.Get("OC-FileId"),
		MtimeAccepted: resp.Header.Get("X-OC-Mtime") == "accepted",
	}, nil
}

func (s *tokenSession) Abort(ctx context.Context) error {
	resp, err := s.client.chunkRequest(ctx, http.MethodDelete, s.endpoint(), nil, -1, nil)
	if err != nil {
		return err
	}
	drainClose(resp)
	return nil
}
