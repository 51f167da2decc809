package dirfat

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestVolumeEndToEndFileRoundTrip(t *testing.T) {
	g := testGeometry(t)
	vol := NewVolume(g, BootOptions{Label: "TESTVOL"})

	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/greeting.txt", []byte("hello, world"), 0644)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	subdir, err := vol.AddDir(0, "docs", now, now)
	if err != nil {
		t.Fatalf("AddDir: %v", err)
	}

	fileCluster, err := vol.AddFile(fs, subdir, "greeting.txt", "/greeting.txt", 12, now, now)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if fileCluster == 0 {
		t.Fatal("expected a non-zero-length file to occupy a cluster")
	}

	vol.Finalize(g.DataClusters)

	// Boot sector at offset 0 should carry the eb fe signature.
	buf := make([]byte, 2)
	if err := vol.Fill(buf, 0); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xeb || buf[1] != 0xfe {
		t.Errorf("boot sector signature = %x", buf)
	}

	// The file's own data should be readable at its cluster position.
	fileBuf := make([]byte, 12)
	if err := vol.Fill(fileBuf, fatEngineClusterPos(t, vol, fileCluster)); err != nil {
		t.Fatal(err)
	}
	if string(fileBuf) != "hello, world" {
		t.Errorf("file contents = %q, want %q", fileBuf, "hello, world")
	}
}

func fatEngineClusterPos(t *testing.T, vol *Volume, cluster uint32) uint64 {
	t.Helper()
	return vol.fat.ClusterPos(cluster)
}

func TestVolumeAddDirAfterFinalizeRejected(t *testing.T) {
	g := testGeometry(t)
	vol := NewVolume(g, BootOptions{})
	vol.Finalize(g.DataClusters)

	if _, err := vol.AddDir(0, "too-late", time.Now(), time.Now()); err == nil {
		t.Fatal("expected AddDir after Finalize to be rejected")
	}
}

func TestVolumeAddFileUnknownParentRejected(t *testing.T) {
	g := testGeometry(t)
	vol := NewVolume(g, BootOptions{})
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/f", []byte("x"), 0644)

	if _, err := vol.AddFile(fs, 99999, "f", "/f", 1, time.Now(), time.Now()); err == nil {
		t.Fatal("expected AddFile against an unknown parent cluster to be rejected")
	}
}

func TestVolumeZeroLengthFileOccupiesNoCluster(t *testing.T) {
	g := testGeometry(t)
	vol := NewVolume(g, BootOptions{})
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/empty", []byte{}, 0644)

	cluster, err := vol.AddFile(fs, 0, "empty", "/empty", 0, time.Now(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if cluster != 0 {
		t.Errorf("cluster = %d, want 0 for a zero-length file", cluster)
	}
}

// TestVolumeAddFileRollsBackClusterOnAddEntryFailure covers the scenario
// where AllocEnd succeeds but AddEntry then fails because the parent
// directory is full and its chain can't be extended: the allocated
// fileEntry must not survive the failed call, or Finalize would register
// clusters no directory entry points at.
func TestVolumeAddFileRollsBackClusterOnAddEntryFailure(t *testing.T) {
	g := testGeometry(t)
	vol := NewVolume(g, BootOptions{})
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/f", []byte("x"), 0644)

	// A parent whose first cluster belongs to no FAT extent and whose one
	// cluster is already full: AddEntry has to grow it, and ExtendChain
	// returns 0 for a cluster it can't find.
	const orphanCluster = 1234
	orphan := newDirStream(orphanCluster, g.ClusterSize)
	orphan.data = make([]byte, g.ClusterSize)
	vol.dirByCluster[orphanCluster] = orphan

	if _, err := vol.AddFile(fs, orphanCluster, "f", "/f", 1, time.Now(), time.Now()); err == nil {
		t.Fatal("expected AddFile to be rejected when the parent directory can't grow")
	}
	if len(vol.files) != 0 {
		t.Fatalf("vol.files length = %d, want 0 after a rolled-back AddFile", len(vol.files))
	}
}

func TestVolumeRootClusterHasNoDotEntries(t *testing.T) {
	g := testGeometry(t)
	vol := NewVolume(g, BootOptions{})
	root := vol.dirByCluster[RootCluster]
	if len(root.data) != 0 {
		t.Errorf("root dir data length = %d, want 0 (no dot/dotdot entries)", len(root.data))
	}
}

func TestVolumeSubdirHasDotAndDotDotEntries(t *testing.T) {
	g := testGeometry(t)
	vol := NewVolume(g, BootOptions{})
	now := time.Now()
	cluster, err := vol.AddDir(0, "sub", now, now)
	if err != nil {
		t.Fatal(err)
	}
	sub := vol.dirByCluster[cluster]
	// Each of "." and ".." costs 2 entries (1 short + 1 LFN), so 4 entries
	// total = 4*32 bytes before any other content is added.
	if len(sub.data) != 4*dirEntrySize {
		t.Errorf("subdir data length = %d, want %d", len(sub.data), 4*dirEntrySize)
	}
}
