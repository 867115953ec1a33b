package vfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type memPins struct {
	m map[string]PinState
}

func newMemPins() *memPins { return &memPins{m: make(map[string]PinState)} }

func (p *memPins) PinState(_ context.Context, rel string) (PinState, error) {
	for cur := rel; ; {
		if s, ok := p.m[cur]; ok && s != PinInherited {
			return s, nil
		}
		if cur == "" {
			return PinAlwaysLocal, nil
		}
		if i := strings.LastIndex(cur, "/"); i >= 0 {
			cur = cur[:i]
		} else {
			cur = ""
		}
	}
}

func (p *memPins) SetPinState(_ context.Context, rel string, s PinState) error {
	p.m[rel] = s
	return nil
}

func (p *memPins) IteratePinStates(_ context.Context, prefix string, fn func(string, PinState) error) error {
	for k, v := range p.m {
		if prefix == "" || k == prefix || strings.HasPrefix(k, prefix+"/") {
			if err := fn(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

var meta = PlaceholderMetadata{Size: 42, Mtime: time.Unix(1700000000, 0), Etag: "e1", FileID: "F1"}

func TestSuffixMaterializeAndDetect(t *testing.T) {
	root := t.TempDir()
	s := NewSuffix(root, newMemPins(), nil)
	ctx := context.Background()

	if err := s.MaterializePlaceholder(ctx, "docs/report.pdf", meta); err != nil {
		t.Fatalf("MaterializePlaceholder: %v", err)
	}

	disk := filepath.Join(root, "docs", "report.pdf"+PlaceholderSuffix)
	info, err := os.Stat(disk)
	if err != nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("placeholder must be zero bytes, got %d", info.Size())
	}
	if !info.ModTime().Equal(meta.Mtime) {
		t.Errorf("placeholder mtime = %v", info.ModTime())
	}

	if !s.IsPlaceholder("docs/report.pdf" + PlaceholderSuffix) {
		t.Error("IsPlaceholder should detect the stub")
	}
	if s.IsPlaceholder("docs/report.pdf") {
		t.Error("bare path is not a placeholder")
	}
	if got := s.LogicalFileName("docs/report.pdf" + PlaceholderSuffix); got != "docs/report.pdf" {
		t.Errorf("LogicalFileName = %q", got)
	}
	if got := s.UnderlyingFileName("docs/report.pdf", false); got != "docs/report.pdf"+PlaceholderSuffix {
		t.Errorf("UnderlyingFileName dehydrated = %q", got)
	}
	if got := s.UnderlyingFileName("docs/report.pdf", true); got != "docs/report.pdf" {
		t.Errorf("UnderlyingFileName hydrated = %q", got)
	}
}

func TestSuffixHydrateFlipsPin(t *testing.T) {
	root := t.TempDir()
	pins := newMemPins()
	s := NewSuffix(root, pins, nil)
	ctx := context.Background()

	if err := s.MaterializePlaceholder(ctx, "movie.mkv", meta); err != nil {
		t.Fatal(err)
	}

	syncNeeded, err := s.Hydrate(ctx, "movie.mkv")
	if err != nil || !syncNeeded {
		t.Fatalf("Hydrate = %v, %v", syncNeeded, err)
	}
	if pins.m["movie.mkv"] != PinAlwaysLocal {
		t.Errorf("pin after hydrate = %v", pins.m["movie.mkv"])
	}

	// Already hydrated: no placeholder on disk, nothing to do.
	if err := os.WriteFile(filepath.Join(root, "plain.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	syncNeeded, err = s.Hydrate(ctx, "plain.txt")
	if err != nil || syncNeeded {
		t.Errorf("hydrating a real file: %v, %v", syncNeeded, err)
	}
}

func TestSuffixDehydrate(t *testing.T) {
	root := t.TempDir()
	s := NewSuffix(root, newMemPins(), nil)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(root, "big.iso"), []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Dehydrate(ctx, "big.iso", meta); err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "big.iso")); !os.IsNotExist(err) {
		t.Error("hydrated file should be gone")
	}
	if _, err := os.Stat(filepath.Join(root, "big.iso"+PlaceholderSuffix)); err != nil {
		t.Error("placeholder should replace the content")
	}
}

func TestSuffixAvailability(t *testing.T) {
	root := t.TempDir()
	pins := newMemPins()
	s := NewSuffix(root, pins, nil)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Join(root, "mixed"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "mixed", "real.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.MaterializePlaceholder(ctx, "mixed/virtual.bin", meta); err != nil {
		t.Fatal(err)
	}

	got, err := s.Availability(ctx, "mixed")
	if err != nil {
		t.Fatalf("Availability: %v", err)
	}
	if got != AvailabilityMixed {
		t.Errorf("Availability = %v, want mixed", got)
	}

	// All placeholders.
	if err := os.Remove(filepath.Join(root, "mixed", "real.txt")); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Availability(ctx, "mixed")
	if got != AvailabilityAllDehydrated {
		t.Errorf("Availability = %v, want all_dehydrated", got)
	}
}

func TestOffStrategy(t *testing.T) {
	var reported []string
	o := NewOff(func(path string, _ FileStatus) { reported = append(reported, path) })
	ctx := context.Background()

	if o.IsPlaceholder("anything") {
		t.Error("off strategy has no placeholders")
	}
	pin, _ := o.PinState(ctx, "x")
	if pin != PinAlwaysLocal {
		t.Errorf("off pin = %v", pin)
	}
	av, _ := o.Availability(ctx, "x")
	if av != AvailabilityAlwaysLocal {
		t.Errorf("off availability = %v", av)
	}
	o.OnFileStatusChanged("a.txt", FileStatusOK)
	if len(reported) != 1 || reported[0] != "a.txt" {
		t.Errorf("status callback = %v", reported)
	}
}
