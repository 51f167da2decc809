package dirfat

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeNameRejectsOverlongName(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'a'
	}
	if _, ok := EncodeName(string(long)); ok {
		t.Fatal("expected an overlong name to be rejected")
	}
}

func TestEncodeNameAppendsTerminator(t *testing.T) {
	units, ok := EncodeName("hello")
	if !ok {
		t.Fatal("expected hello to encode")
	}
	if len(units) != 6 || units[5] != 0 {
		t.Fatalf("units = %v, want 5 code units plus a NUL terminator", units)
	}
}

func TestCalcVFATChecksumMatchesKnownShortName(t *testing.T) {
	// Rotating right and adding each of the 11 bytes of "NO NAME    " in
	// turn gives 179.
	name := []byte("NO NAME    ")
	c1 := calcVFATChecksum(name)
	c2 := calcVFATChecksum(name)
	if c1 != c2 {
		t.Fatal("checksum must be deterministic")
	}
	if c1 != 179 {
		t.Errorf("checksum = %d, want 179", c1)
	}
}

func TestAddEntryGrowsDirChainWhenFull(t *testing.T) {
	g := testGeometry(t)
	fat := NewFATEngine(g)
	b := NewDirBuilder(g.ClusterSize)
	dir := b.NewRootDir(fat)

	units, ok := EncodeName("file")
	if !ok {
		t.Fatal("expected file to encode")
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	entriesPerCluster := int(g.ClusterSize) / dirEntrySize
	// Each entry here costs 2 directory slots (1 LFN + 1 short), so adding
	// enough of them eventually forces ExtendChain to run.
	for i := 0; i < entriesPerCluster; i++ {
		if err := b.AddEntry(fat, dir, 100, units, 0, 0, now, now); err != nil {
			t.Fatalf("AddEntry #%d: %v", i, err)
		}
	}
	if dir.allocated < 2 {
		t.Errorf("allocated = %d, want at least 2 clusters after filling one", dir.allocated)
	}
}

func TestAddEntryRejectsNameNeedingTooManyEntries(t *testing.T) {
	g := testGeometry(t)
	fat := NewFATEngine(g)
	b := NewDirBuilder(g.ClusterSize)
	dir := b.NewRootDir(fat)

	// 32 long-filename records' worth of code units: with the short entry
	// that makes 33 directory entries, one more than the rule allows.
	units := make([]uint16, 32*charsPerLFNEntry)
	for i := range units {
		units[i] = 'a'
	}
	if n := 1 + (len(units)+charsPerLFNEntry-1)/charsPerLFNEntry; n <= maxDirEntriesRule {
		t.Fatalf("test name needs only %d directory entries", n)
	}
	now := time.Now()
	if err := b.AddEntry(fat, dir, 0, units, 0, 0, now, now); err == nil {
		t.Fatal("expected rejection of a name needing more than 32 directory entries")
	}
}

func TestDirStreamFillPadsWithZeroPastLiveData(t *testing.T) {
	d := newDirStream(2, 512)
	d.data = []byte{1, 2, 3, 4}
	buf := make([]byte, 8)
	if err := d.Fill(buf, 0); err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 0, 0, 0, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = %v, want %v", buf, want)
		}
	}
}

// TestAddEntryDirectoryRoundTripVector reproduces the literal scenario of
// adding "testname.tst" (cluster 0x20042448, size 0x10031337, mtime
// 0x536B4B33, atime 0x536E589B, attrs READ_ONLY) into a freshly initialized
// root directory: the first 64 bytes must be a single LFN record followed
// by the short record, with the LFN checksum equal to 212.
func TestAddEntryDirectoryRoundTripVector(t *testing.T) {
	g := testGeometry(t)
	fat := NewFATEngine(g)
	b := NewDirBuilder(g.ClusterSize)
	dir := b.NewRootDir(fat)

	units, ok := EncodeName("testname.tst")
	if !ok {
		t.Fatal("expected testname.tst to encode")
	}

	var entryCluster uint32 = 0x20042448
	const fileSize = 0x10031337
	mtime := time.Unix(0x536B4B33, 0)
	atime := time.Unix(0x536E589B, 0)

	if err := b.AddEntry(fat, dir, entryCluster, units, fileSize, AttrReadOnly, mtime, atime); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	if len(dir.data) != 64 {
		t.Fatalf("dir.data length = %d, want 64 (one LFN record plus one short record)", len(dir.data))
	}

	lfn, short := dir.data[0:32], dir.data[32:64]

	if lfn[11] != AttrLFN {
		t.Errorf("LFN record attr byte = %#x, want AttrLFN", lfn[11])
	}
	if got := lfn[13]; got != 212 {
		t.Errorf("LFN checksum = %d, want 212", got)
	}

	if got := short[11]; got != AttrReadOnly {
		t.Errorf("short record attr byte = %#x, want AttrReadOnly", got)
	}
	if got := binary.LittleEndian.Uint16(short[20:22]); got != uint16(entryCluster>>16) {
		t.Errorf("short record FstClusHI = %#x, want %#x", got, uint16(entryCluster>>16))
	}
	if got := binary.LittleEndian.Uint16(short[26:28]); got != uint16(entryCluster) {
		t.Errorf("short record FstClusLO = %#x, want %#x", got, uint16(entryCluster))
	}
	if got := binary.LittleEndian.Uint32(short[28:32]); got != fileSize {
		t.Errorf("short record file size = %#x, want %#x", got, fileSize)
	}
}

func TestDirStreamReceiveIsReadOnly(t *testing.T) {
	d := newDirStream(2, 512)
	if err := d.Receive(make([]byte, 4), 0); err == nil {
		t.Fatal("expected directory writes to be rejected")
	}
}
