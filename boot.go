package dirfat

import (
	"time"

	"github.com/nbdfat/dirfat/checkpoint"
)

// bootSectorTemplate is the fixed FAT32 boot sector layout, ported byte for
// byte from original_source/vfat.cpp's boot_sector[] (offsets documented
// there get their own named constants below; everything else is filled in
// once and never touched again).
var bootSectorTemplate = [DefaultSectorSize]byte{
	0xeb, 0xfe, 0x90, // x86 asm, infinite loop
	'D', 'I', 'R', 'F', 'A', 'T', ' ', ' ', // OEM/system id, 8 bytes
	// offset 0x0b, start of BIOS parameter block
	0, 0, // bytes per sector, patched below
	0,          // sectors per cluster, patched below
	0, 0,       // reserved sectors, patched below
	1,          // number of FATs
	0, 0,       // root directory entry count, N/A for FAT32
	0, 0,       // total sectors (16-bit), unused for FAT32
	byte(MediaDescriptorFixedDisk),
	0, 0, // sectors per FAT (16-bit), unused for FAT32
	1, 0, 1, 0, // cylinders/heads info, unused
	0, 0, 0, 0, // hidden sectors before this partition
	// offset 0x20
	0, 0, 0, 0, // total sectors (32-bit), patched below
	// offset 0x24
	0, 0, 0, 0, // sectors per FAT, patched below
	0, 0, // FAT usage flags, 0 means "mirrored, FAT 0 active"
	0, 0, // FAT32 format version 0.0
	RootCluster, 0, 0, 0, // cluster number of root directory
	1, 0, // FSInfo sector number
	0, 0, // backup boot sector (none)
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // 12 bytes reserved
	0x80, // drive number
	0,    // reserved
	0x29, // indicates the next 3 fields are valid
	// offset 0x43
	0, 0, 0, 0, // volume serial number, patched below
	// offset 0x47
	'N', 'O', ' ', 'N', 'A', 'M', 'E', ' ', ' ', ' ', ' ', // volume label, patched below
	'F', 'A', 'T', '3', '2', ' ', ' ', ' ', // filesystem type
	// the rest is boot code / zero filled
}

const (
	bytesPerSectorOffset  = 0x0B
	sectorsPerClustOffset = 0x0D
	reservedSectOffset    = 0x0E
	sectorCountOffset     = 0x20
	fatSectorsOffset      = 0x24
	volumeIDOffset        = 0x43
	volumeLabelOffset     = 0x47
)

// BootSector is the Provider for the volume's first sector. It is built once
// from the volume's geometry and never mutates afterward.
type BootSector struct {
	data [DefaultSectorSize]byte
}

// NewBootSector patches bootSectorTemplate with geometry and an optional
// up-to-11-character volume label.
func NewBootSector(g Geometry, label string) *BootSector {
	b := &BootSector{data: bootSectorTemplate}

	putLE16(b.data[bytesPerSectorOffset:], uint16(g.SectorSize))
	b.data[sectorsPerClustOffset] = byte(g.SectorsPerCluster())
	putLE16(b.data[reservedSectOffset:], uint16(g.ReservedSectors))
	putLE32(b.data[sectorCountOffset:], g.TotalSectors)
	putLE32(b.data[fatSectorsOffset:], g.FATSectors)
	putLE32(b.data[volumeIDOffset:], uint32(volumeSerial()))

	labelField := b.data[volumeLabelOffset : volumeLabelOffset+11]
	for i := range labelField {
		labelField[i] = ' '
	}
	copy(labelField, []byte(label))

	return b
}

// volumeSerial derives a FAT32 volume serial number. The original stamps the
// wall-clock time into this field; doing the same here means volumes built
// in different seconds get distinct serials, which is all the field is
// really used for.
func volumeSerial() uint32 {
	return uint32(time.Now().Unix())
}

func putLE16(buf []byte, v uint16) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
}

func putLE32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

// Fill implements Provider.
func (b *BootSector) Fill(buf []byte, offset int64) error {
	return fillFixedSector(b.data[:], buf, offset)
}

// Receive implements Provider.
func (b *BootSector) Receive(buf []byte, offset int64) error {
	return checkpoint.From(ErrReadOnly)
}

// FSInfoSector is the Provider for the volume's second sector, which exists
// to hold hint fields that real drivers use to avoid scanning the whole FAT
// for free space. Since dirfat always knows its own free-space state
// precisely from the extent list, the fields are left at "unknown", exactly
// like original_source/vfat.cpp's init_fsinfo_sector.
type FSInfoSector struct {
	data [DefaultSectorSize]byte
}

// NewFSInfoSector returns an FSInfo sector with magic numbers set and free
// cluster hints marked unknown.
func NewFSInfoSector() *FSInfoSector {
	s := &FSInfoSector{}
	copy(s.data[0x000:], "RRaA")
	copy(s.data[0x1e4:], "rrAa")
	copy(s.data[0x1e8:], []byte{0xff, 0xff, 0xff, 0xff}) // free cluster count: unknown
	copy(s.data[0x1ec:], []byte{0xff, 0xff, 0xff, 0xff}) // next free cluster: unknown
	copy(s.data[0x1fc:], []byte{0x00, 0x00, 0x55, 0xaa})
	return s
}

// Fill implements Provider.
func (s *FSInfoSector) Fill(buf []byte, offset int64) error {
	return fillFixedSector(s.data[:], buf, offset)
}

// Receive implements Provider.
func (s *FSInfoSector) Receive(buf []byte, offset int64) error {
	return checkpoint.From(ErrReadOnly)
}

func fillFixedSector(sector, buf []byte, offset int64) error {
	if offset < 0 || offset > int64(len(sector)) {
		return checkpoint.From(ErrMalformed)
	}
	n := copy(buf, sector[offset:])
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}
