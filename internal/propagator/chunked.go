package propagator

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/davsync/internal/bandwidth"
	"github.com/vonshlovens/davsync/internal/item"
	"github.com/vonshlovens/davsync/internal/journal"
	"github.com/vonshlovens/davsync/internal/remote"
)

// measuredRate is the propagator's rolling upload throughput estimate in
// bytes/second, shared across transfers to size the next transfer's chunks
// toward the target chunk duration.
var measuredRate atomic.Int64

// nextChunkSize sizes chunks so one chunk takes about the target duration at
// the observed throughput, clamped to the server's advertised window.
func (p *Propagator) nextChunkSize() int64 {
	size := int64(DefaultChunkThreshold)
	if rate := measuredRate.Load(); rate > 0 {
		size = int64(float64(rate) * p.opts.TargetChunkDuration.Seconds())
	}
	if size < p.opts.MinChunkSize {
		size = p.opts.MinChunkSize
	}
	if size > p.opts.MaxChunkSize {
		size = p.opts.MaxChunkSize
	}
	return size
}

// uploadChunked drives a chunked upload with journal-backed resumption: the
// chunk map is committed after every acknowledged chunk, so a crashed sync
// retransmits at most the chunk that was in flight.
func (p *Propagator) uploadChunked(ctx context.Context, it *item.SyncFileItem, info os.FileInfo) error {
	var checksum item.Checksum
	if p.opts.ChecksumType != "" {
		var err error
		if checksum, err = item.ChecksumFile(p.opts.ChecksumType, p.absPath(it.Path)); err != nil {
			return fmt.Errorf("failed to checksum upload: %w", err)
		}
	}

	upInfo, err := p.journal.GetUploadInfo(ctx, it.Path)
	if err != nil {
		return err
	}
	if upInfo != nil && !upInfo.Valid(info.Size(), info.ModTime()) {
		// The file changed since the interrupted transfer: the stored chunks
		// belong to a version that no longer exists.
		if session, serr := p.driver.NewChunkSession(ctx, p.opts.ChunkDialect, it.Path, upInfo.TransferID, info.Size()); serr == nil {
			session.Abort(ctx)
		}
		p.journal.DeleteUploadInfo(ctx, it.Path)
		upInfo = nil
	}

	if upInfo == nil {
		upInfo = &journal.UploadInfo{
			Path:       it.Path,
			TransferID: uuid.NewString(),
			ChunkMap:   make(map[int]bool),
			ChunkSize:  p.nextChunkSize(),
			Mtime:      info.ModTime(),
			Size:       info.Size(),
		}
		if err := p.journal.SetUploadInfo(ctx, upInfo); err != nil {
			return err
		}
	}

	session, err := p.driver.NewChunkSession(ctx, p.opts.ChunkDialect, it.Path, upInfo.TransferID, info.Size())
	if err != nil {
		return err
	}

	// Trust the server over the journal: chunks acknowledged there were
	// definitely stored even if the journal write was lost in a crash.
	if acked, aerr := session.AckedChunks(ctx); aerr == nil {
		for n := range acked {
			upInfo.ChunkMap[n] = true
		}
	}

	chunkSize := upInfo.ChunkSize
	numChunks := int((info.Size() + chunkSize - 1) / chunkSize)

	for n := 0; n < numChunks; n++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if upInfo.ChunkMap[n] {
			continue
		}
		offset := int64(n) * chunkSize
		length := chunkSize
		if offset+length > info.Size() {
			length = info.Size() - offset
		}

		start := time.Now()
		if err := p.uploadOneChunk(ctx, session, it.Path, n, offset, length); err != nil {
			return err
		}
		if d := time.Since(start); d > 0 {
			measuredRate.Store(int64(float64(length) / d.Seconds()))
		}

		upInfo.ChunkMap[n] = true
		if err := p.journal.SetUploadInfo(ctx, upInfo); err != nil {
			return err
		}
		p.addBytes(length)
	}

	var res *remote.PutResult
	err = p.withRetry(ctx, it.Path, func() error {
		var ferr error
		res, ferr = session.Finalize(ctx, it.PreviousEtag, info.ModTime())
		return ferr
	})
	if err != nil {
		return err
	}

	if err := p.journal.DeleteUploadInfo(ctx, it.Path); err != nil {
		return err
	}
	return p.commitUpload(ctx, it, res, checksum)
}

func (p *Propagator) uploadOneChunk(ctx context.Context, session remote.ChunkSession, path string, number int, offset, length int64) error {
	return p.withRetry(ctx, path, func() error {
		f, err := os.Open(p.absPath(path))
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}

		release, err := p.acquireSlot(ctx)
		if err != nil {
			return err
		}
		defer release()

		var body io.Reader = io.LimitReader(f, length)
		if p.bw != nil {
			body = p.bw.Reader(ctx, bandwidth.Upload, body)
		}
		return session.UploadChunk(ctx, number, offset, body, length)
	})
}
