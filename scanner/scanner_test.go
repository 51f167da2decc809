package scanner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/nbdfat/dirfat"
)

func newTestVolume(t *testing.T) *dirfat.Volume {
	t.Helper()
	g, err := dirfat.Plan(200000, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	return dirfat.NewVolume(g, dirfat.BootOptions{Label: "SCANTEST"})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanWalksDirsAndFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tree/a.txt", []byte("aaa"), 0644)
	afero.WriteFile(fs, "/tree/sub/b.txt", []byte("bbbb"), 0644)

	vol := newTestVolume(t)
	stats, err := Scan(context.Background(), fs, "/tree", vol, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Dirs != 1 {
		t.Errorf("Dirs = %d, want 1", stats.Dirs)
	}
	if stats.Files != 2 {
		t.Errorf("Files = %d, want 2", stats.Files)
	}
	if stats.BytesMapped != 7 {
		t.Errorf("BytesMapped = %d, want 7", stats.BytesMapped)
	}
	if stats.Skipped != 0 {
		t.Errorf("Skipped = %d, want 0", stats.Skipped)
	}
}

func TestScanSkipsUnrepresentableEntryWithoutAborting(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tree/good.txt", []byte("ok"), 0644)
	// 300 UTF-16 units plus the terminator is more than a VFAT long name holds.
	afero.WriteFile(fs, "/tree/"+strings.Repeat("x", 300), []byte("bad"), 0644)

	vol := newTestVolume(t)
	stats, err := Scan(context.Background(), fs, "/tree", vol, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Files != 1 {
		t.Errorf("Files = %d, want 1", stats.Files)
	}
	if stats.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", stats.Skipped)
	}
}

func TestScanCanceledContextStopsWalk(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/tree/a.txt", []byte("a"), 0644)
	afero.WriteFile(fs, "/tree/b.txt", []byte("b"), 0644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vol := newTestVolume(t)
	_, err := Scan(ctx, fs, "/tree", vol, discardLogger())
	if err == nil {
		t.Fatal("expected a canceled context to stop the walk with an error")
	}
}
