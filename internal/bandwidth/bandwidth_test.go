package bandwidth

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestUnlimitedPassesThrough(t *testing.T) {
	m := NewManager()
	r := m.Reader(context.Background(), Download, strings.NewReader("hello world"))
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("data = %q", data)
	}
}

func TestAbsoluteLimitPaces(t *testing.T) {
	m := NewManager()
	// 64 KiB/s with a 64 KiB burst: the second buffer must wait ~1s.
	m.Configure(Upload, Settings{Mode: ModeAbsolute, Bytes: 64 * 1024})

	payload := bytes.Repeat([]byte("x"), 2*64*1024)
	start := time.Now()
	var sink bytes.Buffer
	w := m.Writer(context.Background(), Upload, &sink)
	if _, err := io.Copy(w, bytes.NewReader(payload)); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 500*time.Millisecond {
		t.Errorf("copy finished in %v, expected pacing of roughly 1s", elapsed)
	}
	if sink.Len() != len(payload) {
		t.Errorf("wrote %d bytes, want %d", sink.Len(), len(payload))
	}
}

func TestCancellationUnblocksWait(t *testing.T) {
	m := NewManager()
	m.Configure(Download, Settings{Mode: ModeAbsolute, Bytes: 1}) // 1 B/s: waits forever

	ctx, cancel := context.WithCancel(context.Background())
	// Larger than the burst so the reader actually blocks on tokens.
	r := m.Reader(ctx, Download, strings.NewReader(strings.Repeat("y", 2*burst)))

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(r)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not unblock the paced reader within 1s")
	}
}

func TestRelativeModeStartsUnlimited(t *testing.T) {
	m := NewManager()
	m.Configure(Upload, Settings{Mode: ModeRelative, Percent: 75})

	var sink bytes.Buffer
	w := m.Writer(context.Background(), Upload, &sink)
	start := time.Now()
	if _, err := w.Write(bytes.Repeat([]byte("z"), 128*1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("relative mode should not pace before the first measurement window")
	}
}
