// Package bandwidth paces transfers with per-direction token buckets. Limits
// are applied at the read/write buffer boundary, so a cancelled job stops
// waiting for tokens within one buffer, not one file.
package bandwidth

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Direction selects the upload or download bucket.
type Direction int

const (
	Upload Direction = iota
	Download
)

// Mode is how a limit is expressed.
type Mode int

const (
	// ModeUnlimited applies no pacing.
	ModeUnlimited Mode = iota
	// ModeAbsolute caps at a fixed number of bytes per second.
	ModeAbsolute
	// ModeRelative caps at a percentage of the measured link throughput.
	ModeRelative
)

const (
	// burst keeps single waits small so cancellation stays prompt.
	burst = 64 * 1024
	// measureWindow is the sampling period for relative mode.
	measureWindow = 5 * time.Second
)

// Settings is one direction's configuration.
type Settings struct {
	Mode    Mode
	Bytes   int64 // bytes/second for ModeAbsolute
	Percent int   // 1..100 for ModeRelative
}

// Manager owns both buckets of one sync root.
type Manager struct {
	mu       sync.Mutex
	limiters [2]*rate.Limiter
	settings [2]Settings

	// throughput measurement for relative mode
	measured    [2]int64 // bytes seen in the current window
	windowStart [2]time.Time
}

// NewManager builds a manager with both directions unlimited.
func NewManager() *Manager {
	return &Manager{}
}

// Configure applies settings for one direction.
func (m *Manager) Configure(dir Direction, s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[dir] = s
	switch s.Mode {
	case ModeAbsolute:
		m.limiters[dir] = rate.NewLimiter(rate.Limit(s.Bytes), burst)
	case ModeRelative:
		// Start unlimited; the first measurement window installs a cap.
		m.limiters[dir] = nil
		m.measured[dir] = 0
		m.windowStart[dir] = time.Now()
	default:
		m.limiters[dir] = nil
	}
}

// account feeds the relative-mode measurement and recomputes the cap once per
// window.
func (m *Manager) account(dir Direction, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.settings[dir]
	if s.Mode != ModeRelative {
		return
	}
	m.measured[dir] += int64(n)
	elapsed := time.Since(m.windowStart[dir])
	if elapsed < measureWindow {
		return
	}

	observed := float64(m.measured[dir]) / elapsed.Seconds()
	limit := observed * float64(s.Percent) / 100
	if limit > 0 {
		m.limiters[dir] = rate.NewLimiter(rate.Limit(limit), burst)
	}
	m.measured[dir] = 0
	m.windowStart[dir] = time.Now()
}

// wait blocks until n bytes worth of tokens are available.
func (m *Manager) wait(ctx context.Context, dir Direction, n int) error {
	m.mu.Lock()
	limiter := m.limiters[dir]
	m.mu.Unlock()

	if limiter == nil {
		return ctx.Err()
	}
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Reader paces an io.Reader against one direction's bucket.
func (m *Manager) Reader(ctx context.Context, dir Direction, r io.Reader) io.Reader {
	return &pacedReader{ctx: ctx, mgr: m, dir: dir, r: r}
}

type pacedReader struct {
	ctx context.Context
	mgr *Manager
	dir Direction
	r   io.Reader
}

func (p *pacedReader) Read(buf []byte) (int, error) {
	if len(buf) > burst {
		buf = buf[:burst]
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		p.mgr.account(p.dir, n)
		if werr := p.mgr.wait(p.ctx, p.dir, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Writer paces an io.Writer against one direction's bucket.
func (m *Manager) Writer(ctx context.Context, dir Direction, w io.Writer) io.Writer {
	return &pacedWriter{ctx: ctx, mgr: m, dir: dir, w: w}
}

type pacedWriter struct {
	ctx context.Context
	mgr *Manager
	dir Direction
	w   io.Writer
}

func (p *pacedWriter) Write(buf []byte) (int, error) {
	written := 0
	for len(buf) > 0 {
		step := len(buf)
		if step > burst {
			step = burst
		}
		if err := p.mgr.wait(p.ctx, p.dir, step); err != nil {
			return written, err
		}
		n, err := p.w.Write(buf[:step])
		written += n
		p.mgr.account(p.dir, n)
		if err != nil {
			return written, err
		}
		buf = buf[step:]
	}
	return written, nil
}
