package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Capabilities is the subset of the server capabilities document the engine
// consumes. Queried once per session.
type Capabilities struct {
	ChunkingNG struct {
		Enabled                   bool
		MinChunkSize              int64
		MaxChunkSize              int64
		TargetChunkUploadDuration time.Duration
	}
	BigFileChunking    bool
	ChunkedDialects    []ChunkDialect
	ChecksumTypes      []string
	DavReports         []string
	PrivateLinks       bool
	RemotePollInterval time.Duration
	DataFingerprint    string
}

// PreferredChecksumType picks the strongest checksum both sides support.
func (c *Capabilities) PreferredChecksumType() string {
	for _, want := range []string{"SHA256", "SHA1", "MD5"} {
		for _, have := range c.ChecksumTypes {
			if have == want {
				return want
			}
		}
	}
	return ""
}

// PreferredChunkDialect picks the dialect to use when several are advertised:
// the resumable-token dialect first, then server-assigned offsets, then the
// fixed numbered-chunk protocol.
func (c *Capabilities) PreferredChunkDialect() ChunkDialect {
	best := DialectNone
	for _, d := range c.ChunkedDialects {
		if d > best {
			best = d
		}
	}
	if best == DialectNone && c.BigFileChunking {
		best = DialectNumberedChunks
	}
	return best
}

// ocsCapabilities mirrors the wire JSON of the OCS capabilities endpoint.
type ocsCapabilities struct {
	Ocs struct {
		Data struct {
			Capabilities struct {
				Core struct {
					PollInterval int `json:"pollinterval"`
				} `json:"core"`
				Checksums struct {
					SupportedTypes []string `json:"supportedTypes"`
				} `json:"checksums"`
				Dav struct {
					Chunking        string   `json:"chunking"`
					ChunkingDialects []string `json:"chunkingDialects"`
					Reports         []string `json:"reports"`
				} `json:"dav"`
				Files struct {
					BigFileChunking bool   `json:"bigfilechunking"`
					PrivateLinks    bool   `json:"privateLinks"`
					DataFingerprint string `json:"dataFingerprint"`
				} `json:"files"`
				ChunkingNG struct {
					Enabled                   bool  `json:"enabled"`
					MinChunkSize              int64 `json:"minChunkSize"`
					MaxChunkSize              int64 `json:"maxChunkSize"`
					TargetChunkUploadDuration int   `json:"targetChunkUploadDuration"`
				} `json:"chunkingNG"`
			} `json:"capabilities"`
		} `json:"data"`
	} `json:"ocs"`
}

const capabilitiesPath = "/ocs/v1.php/cloud/capabilities"

// FetchCapabilities queries the capabilities document.
func (c *Client) FetchCapabilities(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	u := *c.baseURL
	u.Path = capabilitiesPath
	u.RawQuery = "format=json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build capabilities request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("OCS-APIRequest", "true")
	if err := c.creds.Sign(req); err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire ocsCapabilities
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}

	caps := wire.Ocs.Data.Capabilities
	out := &Capabilities{
		BigFileChunking: caps.Files.BigFileChunking,
		ChecksumTypes:   caps.Checksums.SupportedTypes,
		DavReports:      caps.Dav.Reports,
		PrivateLinks:    caps.Files.PrivateLinks,
		DataFingerprint: caps.Files.DataFingerprint,
	}
	out.ChunkingNG.Enabled = caps.ChunkingNG.Enabled
	out.ChunkingNG.MinChunkSize = caps.ChunkingNG.MinChunkSize
	out.ChunkingNG.MaxChunkSize = caps.ChunkingNG.MaxChunkSize
	out.ChunkingNG.TargetChunkUploadDuration =
		time.Duration(caps.ChunkingNG.TargetChunkUploadDuration) * time.Millisecond
	if caps.Core.PollInterval > 0 {
		out.RemotePollInterval = time.Duration(caps.Core.PollInterval) * time.Second
	}
	for _, name := range caps.Dav.ChunkingDialects {
		switch name {
		case "numbered":
			out.ChunkedDialects = append(out.ChunkedDialects, DialectNumberedChunks)
		case "offsets":
			out.ChunkedDialects = append(out.ChunkedDialects, DialectServerOffsets)
		case "token":
			out.ChunkedDialects = append(out.ChunkedDialects, DialectResumableToken)
		}
	}
	if len(out.ChunkedDialects) == 0 && (caps.ChunkingNG.Enabled || caps.Dav.Chunking != "") {
		out.ChunkedDialects = append(out.ChunkedDialects, DialectNumberedChunks)
	}
	return out, nil
}
