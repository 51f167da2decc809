package dirfat

import (
	"encoding/binary"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/nbdfat/dirfat/checkpoint"
)

// EncodeName converts name to the UTF-16 code unit sequence a VFAT
// long-filename entry stores, including the trailing NUL terminator the
// format requires. It reports false if name isn't valid UTF-8 or needs more
// than maxNameUnits units including the terminator, either of which makes it
// unrepresentable (ported from original_source/vfat.cpp's convert_name,
// which has the same two failure modes for a UTF-8-to-UTF-16LE conversion).
//
// This is plain unicode/utf16 rather than a pulled-in encoding package: the
// pack's heavier text-encoding libraries (golang.org/x/text/encoding) target
// legacy 8-bit charsets, which isn't the conversion needed here.
func EncodeName(name string) ([]uint16, bool) {
	if !utf8.ValidString(name) {
		return nil, false
	}
	units := utf16.Encode([]rune(name))
	units = append(units, 0)
	if len(units) > maxNameUnits {
		return nil, false
	}
	return units, true
}

// charOffsets gives the byte offset of each of the 13 UTF-16 code units
// packed into one VFAT long-filename directory entry. The gaps are the
// entry's Sequence/Attribute/Type/Checksum/cluster-number fields, which sit
// interleaved with the name per the VFAT layout (ported from
// original_source/dir.cpp's char_offsets).
var charOffsets = [charsPerLFNEntry]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

// dirStream is one directory's synthesized entry table: an append-only byte
// buffer padded out to its FAT-allocated cluster count. It implements
// Provider so it can be registered directly with an ImageMap.
type dirStream struct {
	startCluster uint32
	allocated    uint32 // clusters currently backing data, per the FAT chain
	clusterSize  uint32
	data         []byte
}

func newDirStream(startCluster, clusterSize uint32) *dirStream {
	return &dirStream{startCluster: startCluster, allocated: 1, clusterSize: clusterSize}
}

// Fill implements Provider. Bytes beyond the live entry data but within the
// allocated cluster span read as zero.
func (d *dirStream) Fill(buf []byte, offset int64) error {
	capacity := int64(d.allocated) * int64(d.clusterSize)
	n := int64(len(buf))
	var copied int64
	if offset < int64(len(d.data)) {
		copied = min64i(int64(len(d.data))-offset, n)
		copy(buf[:copied], d.data[offset:offset+copied])
	}
	for ; copied < n && offset+copied < capacity; copied++ {
		buf[copied] = 0
	}
	for ; copied < n; copied++ {
		buf[copied] = 0
	}
	return nil
}

// Receive implements Provider. Directory contents are synthesized from the
// host tree, not writable by NBD clients.
func (d *dirStream) Receive(buf []byte, offset int64) error {
	return checkpoint.From(ErrReadOnly)
}

func min64i(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// DirBuilder appends VFAT long-filename directory entries to dirStreams,
// growing their backing FAT chain as needed. It is ported from
// original_source/dir.cpp's dir_add_entry/dir_alloc_new/fill_filename_part.
type DirBuilder struct {
	clusterSize uint32

	// shortNameToken hands out the "unique but invalid" 8.3 name used in
	// every short entry, per the scheme linked from dir_add_entry's
	// prep_short_entry (http://lkml.org/lkml/2009/6/26/313): real FAT
	// drivers never look past the LFN records, so the short name only has
	// to be syntactically distinct, not meaningful.
	shortNameToken uint32
}

// NewDirBuilder returns a builder for a volume with the given cluster size.
func NewDirBuilder(clusterSize uint32) *DirBuilder {
	return &DirBuilder{clusterSize: clusterSize, shortNameToken: 1}
}

// NewRootDir allocates the root directory's first cluster via fat.
func (b *DirBuilder) NewRootDir(fat *FATEngine) *dirStream {
	cluster := fat.AllocBeginning(1)
	return newDirStream(cluster, b.clusterSize)
}

// NewSubdir allocates a new directory's first cluster via fat.
func (b *DirBuilder) NewSubdir(fat *FATEngine) *dirStream {
	cluster := fat.AllocBeginning(1)
	return newDirStream(cluster, b.clusterSize)
}

// ErrNameTooLong is returned by AddEntry when a name needs more directory
// entries than the FAT32 32-entries-per-file rule allows (one short entry
// plus at most 31 long-filename entries of 13 UTF-16 units each).
var ErrNameTooLong = checkpoint.From(ErrMalformed)

// AddEntry appends a short entry plus the LFN records needed to spell
// nameUnits to dir, growing dir's cluster chain in fat if the new entries
// don't fit in what's already allocated. entryCluster is the cluster number
// to store in the entry (the new file or subdirectory's first cluster, or 0
// for a zero-length file).
func (b *DirBuilder) AddEntry(fat *FATEngine, dir *dirStream, entryCluster uint32, nameUnits []uint16, fileSize uint32, attrs byte, mtime, atime time.Time) error {
	numEntries := 1 + (len(nameUnits)+charsPerLFNEntry-1)/charsPerLFNEntry
	if numEntries > maxDirEntriesRule {
		return ErrNameTooLong
	}

	clustersNeeded := alignUp(uint64(len(dir.data)+numEntries*dirEntrySize), uint64(b.clusterSize)) / uint64(b.clusterSize)
	if clustersNeeded > uint64(dir.allocated) {
		for uint64(dir.allocated) < clustersNeeded {
			if fat.ExtendChain(dir.startCluster) == 0 {
				return checkpoint.From(ErrBadMutation)
			}
			dir.allocated++
		}
	}

	attrs |= AttrReadOnly
	if attrs&AttrDirectory != 0 {
		fileSize = 0
	}

	shortEntry := make([]byte, dirEntrySize)
	b.prepShortEntry(shortEntry)
	shortEntry[11] = attrs
	shortEntry[12] = 0
	if mtime.Second()%2 != 0 {
		shortEntry[13] = 100
	}
	encodeDateTime(shortEntry[14:18], mtime) // creation time/date substitute
	encodeDate(shortEntry[18:20], atime)     // last access date
	binary.LittleEndian.PutUint16(shortEntry[20:22], uint16(entryCluster>>16))
	encodeDateTime(shortEntry[22:26], mtime) // write time/date
	binary.LittleEndian.PutUint16(shortEntry[26:28], uint16(entryCluster))
	binary.LittleEndian.PutUint32(shortEntry[28:32], fileSize)

	checksum := calcVFATChecksum(shortEntry[:11])

	entries := make([]byte, numEntries*dirEntrySize)
	for seqNr := numEntries - 1; seqNr >= 1; seqNr-- {
		part := entries[(numEntries-1-seqNr)*dirEntrySize : (numEntries-seqNr)*dirEntrySize]
		fillFilenamePart(part, seqNr, seqNr == numEntries-1, nameUnits, checksum)
	}
	copy(entries[(numEntries-1)*dirEntrySize:], shortEntry)

	dir.data = append(dir.data, entries...)
	return nil
}

func (b *DirBuilder) prepShortEntry(entry []byte) {
	uniq := b.shortNameToken
	b.shortNameToken++

	entry[0] = ' '
	entry[1] = 0
	for i := 2; i < 8; i++ {
		entry[i] = byte(uniq & 0x1f)
		uniq >>= 5
	}
	entry[8] = '/'
	entry[9] = 0
	entry[10] = 0
}

func calcVFATChecksum(shortName []byte) byte {
	var sum byte
	for i := 0; i < 11; i++ {
		sum = ((sum & 1) << 7) + (sum >> 1) + shortName[i]
	}
	return sum
}

func fillFilenamePart(entry []byte, seqNr int, isLast bool, nameUnits []uint16, checksum byte) {
	if isLast {
		entry[0] = byte(seqNr) | 0x40
	} else {
		entry[0] = byte(seqNr)
	}
	entry[11] = AttrLFN
	entry[12] = 0
	entry[13] = checksum
	entry[26] = 0
	entry[27] = 0

	fnOffset := (seqNr - 1) * charsPerLFNEntry
	maxI := charsPerLFNEntry
	if rem := len(nameUnits) - fnOffset; rem < maxI {
		maxI = rem
	}
	i := 0
	for ; i < maxI; i++ {
		binary.LittleEndian.PutUint16(entry[charOffsets[i]:], nameUnits[fnOffset+i])
	}
	for ; i < charsPerLFNEntry; i++ {
		entry[charOffsets[i]] = 0xff
		entry[charOffsets[i]+1] = 0xff
	}
}

// encodeDateTime writes a 4-byte FAT time+date stamp (time first, per the
// EntryHeader layout) for t, ported from original_source/dir.cpp's
// encode_datetime.
func encodeDateTime(buf []byte, t time.Time) {
	timePart := uint16(t.Second()/2) | uint16(t.Minute())<<5 | uint16(t.Hour())<<11
	datePart := encodeDatePart(t)
	binary.LittleEndian.PutUint16(buf[0:2], timePart)
	binary.LittleEndian.PutUint16(buf[2:4], datePart)
}

// encodeDate writes a 2-byte FAT date stamp, ported from encode_date.
func encodeDate(buf []byte, t time.Time) {
	binary.LittleEndian.PutUint16(buf, encodeDatePart(t))
}

func encodeDatePart(t time.Time) uint16 {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	return uint16(t.Day()) | uint16(t.Month())<<5 | uint16(year-1980)<<9
}
