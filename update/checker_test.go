package update

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"palpable"
	"palpable/internal/fake"
)

type fakeSource struct {
	version atomic.Value // string
	err     atomic.Value // error wrapper
	calls   atomic.Int32
}

type errBox struct{ err error }

func newSource(v string) *fakeSource {
	s := &fakeSource{}
	s.version.Store(v)
	s.err.Store(errBox{})
	return s
}

func (s *fakeSource) LatestVersion(context.Context) (string, error) {
	s.calls.Add(1)
	if e := s.err.Load().(errBox).err; e != nil {
		return "", e
	}
	return s.version.Load().(string), nil
}

func writeVersion(t *testing.T, dir, v string) string {
	t.Helper()
	path := filepath.Join(dir, "version.txt")
	if err := os.WriteFile(path, []byte(v+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheck_UpdateAvailableWritesMarker(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "state", "update-available")
	clock := fake.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	c := New(newSource("1.1.0"), writeVersion(t, dir, "1.0.0"), WithMarker(marker), WithClock(clock))

	info, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !info.UpdateAvailable || info.CurrentVersion != "1.0.0" || info.LatestVersion != "1.1.0" {
		t.Errorf("info = %+v", info)
	}
	if !info.CheckedAt.Equal(clock.Now()) {
		t.Errorf("CheckedAt = %s, want %s", info.CheckedAt, clock.Now())
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if string(data) != "1.1.0\n" {
		t.Errorf("marker = %q, want 1.1.0", data)
	}
	if c.Status() != info {
		t.Errorf("Status() = %+v, want %+v", c.Status(), info)
	}
}

func TestCheck_UpToDateRemovesMarker(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "update-available")
	if err := os.WriteFile(marker, []byte("0.9.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(newSource("1.0.0"), writeVersion(t, dir, "1.0.0"), WithMarker(marker))

	info, err := c.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if info.UpdateAvailable {
		t.Errorf("info = %+v, want up to date", info)
	}
	if _, err := os.Stat(marker); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("marker still present: %v", err)
	}
}

func TestCheck_DowngradeCountsAsUpdate(t *testing.T) {
	dir := t.TempDir()
	c := New(newSource("0.9.0"), writeVersion(t, dir, "1.0.0"))
	info, err := c.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !info.UpdateAvailable {
		t.Error("different remote version not reported as update")
	}
}

func TestCheck_ErrorKeepsPreviousResult(t *testing.T) {
	dir := t.TempDir()
	src := newSource("1.1.0")
	c := New(src, writeVersion(t, dir, "1.0.0"))
	if _, err := c.Check(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.err.Store(errBox{palpable.ErrRegistryUnreachable})
	info, err := c.Check(context.Background())
	if !errors.Is(err, palpable.ErrRegistryUnreachable) {
		t.Fatalf("err = %v, want ErrRegistryUnreachable", err)
	}
	if !info.UpdateAvailable || info.LatestVersion != "1.1.0" || info.Error == "" {
		t.Errorf("info = %+v, want previous result with error", info)
	}
}

func TestCurrentVersion_MissingFile(t *testing.T) {
	c := New(newSource("1.0.0"), filepath.Join(t.TempDir(), "missing.txt"))
	if v := c.CurrentVersion(); v != UnknownVersion {
		t.Errorf("CurrentVersion() = %q, want %q", v, UnknownVersion)
	}
	if c.Status().CurrentVersion != UnknownVersion {
		t.Errorf("initial status = %+v", c.Status())
	}
}

func TestRun_SkipsWhileOfflineAndHonoursTrigger(t *testing.T) {
	dir := t.TempDir()
	src := newSource("1.1.0")
	var online atomic.Bool
	c := New(src, writeVersion(t, dir, "1.0.0"), WithInterval(time.Hour), WithOnline(online.Load))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(50 * time.Millisecond)
	if src.calls.Load() != 0 {
		t.Fatalf("checked %d times while offline", src.calls.Load())
	}

	online.Store(true)
	c.Trigger()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Status().UpdateAvailable && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if src.calls.Load() != 1 {
		t.Errorf("calls = %d after trigger, want 1", src.calls.Load())
	}
	if !c.Status().UpdateAvailable {
		t.Errorf("status = %+v", c.Status())
	}
}
