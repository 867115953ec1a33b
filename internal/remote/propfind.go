package remote

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/vonshlovens/davsync/internal/item"
)

// propfindBody requests exactly the properties discovery consumes. Asking
// for everything (allprop) triples response sizes on large collections.
const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:oc="http://owncloud.org/ns">
  <d:prop>
    <d:resourcetype/>
    <d:getetag/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <oc:id/>
    <oc:fileid/>
    <oc:permissions/>
    <oc:size/>
    <oc:checksums/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	XMLName   xml.Name           `xml:"DAV: multistatus"`
	Responses []propfindResponse `xml:"response"`
}

type propfindResponse struct {
	Href     string     `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Status string       `xml:"status"`
	Prop   propfindProp `xml:"prop"`
}

type propfindProp struct {
	ResourceType  resourceType `xml:"resourcetype"`
	Etag          string       `xml:"getetag"`
	ContentLength int64        `xml:"getcontentlength"`
	LastModified  string       `xml:"getlastmodified"`
	ID            string       `xml:"id"`
	FileID        string       `xml:"fileid"`
	Permissions   string       `xml:"permissions"`
	Size          int64        `xml:"size"`
	Checksums     checksums    `xml:"checksums"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

type checksums struct {
	Checksum []string `xml:"checksum"`
}

// ListDirectory issues a depth-1 PROPFIND for the directory at relPath and
// returns its direct children. The directory's own entry is returned
// separately so callers can compare its etag against the journal.
func (c *Client) ListDirectory(ctx context.Context, relPath string) (self *Entry, children []*Entry, err error) {
	entries, err := c.propfind(ctx, relPath, "1")
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.Path == relPath {
			self = e
			continue
		}
		children = append(children, e)
	}
	if self == nil {
		return nil, nil, fmt.Errorf("listing %q: server omitted the collection itself", relPath)
	}
	return self, children, nil
}

// Stat issues a depth-0 PROPFIND for a single path.
func (c *Client) Stat(ctx context.Context, relPath string) (*Entry, error) {
	entries, err := c.propfind(ctx, relPath, "0")
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// RootEtag fetches just the etag of the sync root, the cheap poll the folder
// loop runs to detect remote activity.
func (c *Client) RootEtag(ctx context.Context) (string, error) {
	e, err := c.Stat(ctx, "")
	if err != nil {
		return "", err
	}
	return e.Etag, nil
}

func (c *Client) propfind(ctx context.Context, relPath, depth string) ([]*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "PROPFIND", relPath, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", depth)
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.parseMultistatus(resp.Body)
}

func (c *Client) parseMultistatus(r io.Reader) ([]*Entry, error) {
	var ms multistatus
	if err := xml.NewDecoder(r).Decode(&ms); err != nil {
		return nil, fmt.Errorf("failed to parse multistatus: %w", err)
	}

	entries := make([]*Entry, 0, len(ms.Responses))
	for _, resp := range ms.Responses {
		relPath, err := c.relPathFromHref(resp.Href)
		if err != nil {
			return nil, err
		}

		var prop *propfindProp
		for i := range resp.Propstat {
			if strings.Contains(resp.Propstat[i].Status, "200") {
				prop = &resp.Propstat[i].Prop
				break
			}
		}
		if prop == nil {
			continue
		}

		e := &Entry{
			Path:   relPath,
			Etag:   strings.Trim(prop.Etag, `"`),
			FileID: prop.FileID,
			Perms:  item.ParsePermissions(prop.Permissions),
		}
		if e.FileID == "" {
			e.FileID = prop.ID
		}
		if prop.ResourceType.Collection != nil {
			e.Kind = item.KindDirectory
			e.Size = prop.Size
		} else {
			e.Kind = item.KindFile
			e.Size = prop.ContentLength
		}
		if prop.LastModified != "" {
			if t, terr := http.ParseTime(prop.LastModified); terr == nil {
				e.Mtime = t.UTC()
			}
		}
		for _, sum := range prop.Checksums.Checksum {
			if cs := item.ParseChecksum(sum); !cs.IsZero() {
				e.Checksum = cs
				break
			}
		}
		e.IsSharedMount = e.Perms.Has(item.PermIsMounted)
		entries = append(entries, e)
	}
	return entries, nil
}

// relPathFromHref maps a response href back to a slash path relative to the
// sync root, NFC-normalized like everything else in the engine.
func (c *Client) relPathFromHref(href string) (string, error) {
	unescaped, err := url.PathUnescape(href)
	if err != nil {
		return "", fmt.Errorf("malformed href %q: %w", href, err)
	}
	unescaped = path.Clean("/" + strings.TrimPrefix(unescaped, c.baseURL.Path))
	if unescaped != c.davRoot && !strings.HasPrefix(unescaped, c.davRoot+"/") {
		return "", fmt.Errorf("href %q is outside the sync root %q", href, c.davRoot)
	}
	rel := strings.TrimPrefix(unescaped, c.davRoot)
	rel = strings.Trim(rel, "/")
	return norm.NFC.String(rel), nil
}
