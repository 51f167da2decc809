package dirfat

import (
	"time"

	"github.com/spf13/afero"

	"github.com/nbdfat/dirfat/checkpoint"
)

// BootOptions configures the cosmetic parts of a volume that don't affect
// its FAT32 geometry.
type BootOptions struct {
	// Label is the up-to-11-character volume label. Longer labels are
	// truncated; shorter ones are space-padded, per FAT32's fixed-width
	// label field.
	Label string
}

// fileEntry tracks one registered file passthrough so Finalize can wire it
// into the ImageMap once its cluster range is final.
type fileEntry struct {
	startCluster uint32
	clusters     uint32
	provider     *FilePassthrough
}

// Volume is a synthesized FAT32 filesystem image: a FATEngine for the
// allocation table, an ImageMap routing byte ranges to providers, a
// DirBuilder appending directory entries, and the boot/FSInfo sectors, tied
// together the way original_source/vfat.cpp's vfat_init wires up fat_init,
// dir_init and the boot sector globals.
//
// Volume has two phases, mirroring FATEngine: construction (AddDir/AddFile)
// followed by Finalize, after which Fill and Receive answer image requests.
type Volume struct {
	geometry Geometry
	opts     BootOptions

	fat    *FATEngine
	images *ImageMap
	dirs   *DirBuilder

	dirByCluster map[uint32]*dirStream
	files        []*fileEntry

	finalized bool
}

// NewVolume allocates the root directory and returns a Volume ready for
// AddDir/AddFile calls.
func NewVolume(geometry Geometry, opts BootOptions) *Volume {
	fat := NewFATEngine(geometry)
	dirs := NewDirBuilder(geometry.ClusterSize)
	root := dirs.NewRootDir(fat)

	return &Volume{
		geometry:     geometry,
		opts:         opts,
		fat:          fat,
		images:       NewImageMap(),
		dirs:         dirs,
		dirByCluster: map[uint32]*dirStream{RootCluster: root},
	}
}

// entryClusterValue corrects a real cluster number into the value a
// directory entry should store: FAT32 reserves 0 to mean "the root
// directory" in an entry's FirstCluster fields, even though the root
// directory's real cluster number is RootCluster.
func entryClusterValue(cluster uint32) uint32 {
	if cluster == RootCluster {
		return 0
	}
	return cluster
}

// normalizeParent applies the same correction in the other direction: a
// caller may pass 0 to mean "the root directory".
func normalizeParent(cluster uint32) uint32 {
	if cluster == 0 {
		return RootCluster
	}
	return cluster
}

// AddDir creates a subdirectory under parentCluster (0 meaning the root
// directory) named name, adds "." and ".." entries to it, links it into its
// parent, and returns its cluster number. It must be called before Finalize.
func (v *Volume) AddDir(parentCluster uint32, name string, mtime, atime time.Time) (uint32, error) {
	if v.finalized {
		return 0, checkpoint.From(ErrBadMutation)
	}
	parentCluster = normalizeParent(parentCluster)
	parent, ok := v.dirByCluster[parentCluster]
	if !ok {
		return 0, checkpoint.From(ErrBadMutation)
	}

	nameUnits, ok := EncodeName(name)
	if !ok {
		return 0, checkpoint.From(ErrMalformed)
	}

	child := v.dirs.NewSubdir(v.fat)
	cluster := child.startCluster
	v.dirByCluster[cluster] = child

	dotUnits, _ := EncodeName(".")
	dotdotUnits, _ := EncodeName("..")
	if err := v.dirs.AddEntry(v.fat, child, entryClusterValue(cluster), dotUnits, 0, AttrDirectory, mtime, atime); err != nil {
		return 0, err
	}
	if err := v.dirs.AddEntry(v.fat, child, entryClusterValue(parentCluster), dotdotUnits, 0, AttrDirectory, mtime, atime); err != nil {
		return 0, err
	}
	if err := v.dirs.AddEntry(v.fat, parent, entryClusterValue(cluster), nameUnits, 0, AttrDirectory, mtime, atime); err != nil {
		return 0, err
	}

	return cluster, nil
}

// AddFile registers a host file as passthrough content, links it into
// parentCluster's directory as name, and returns its cluster number (0 for
// a zero-length file, which occupies no clusters). It must be called before
// Finalize.
func (v *Volume) AddFile(fs afero.Fs, parentCluster uint32, name, hostPath string, size uint32, mtime, atime time.Time) (uint32, error) {
	if v.finalized {
		return 0, checkpoint.From(ErrBadMutation)
	}
	parentCluster = normalizeParent(parentCluster)
	parent, ok := v.dirByCluster[parentCluster]
	if !ok {
		return 0, checkpoint.From(ErrBadMutation)
	}

	nameUnits, ok := EncodeName(name)
	if !ok {
		return 0, checkpoint.From(ErrMalformed)
	}

	var cluster uint32
	if size > 0 {
		clusters := uint32(alignUp(uint64(size), uint64(v.geometry.ClusterSize)) / uint64(v.geometry.ClusterSize))
		cluster = v.fat.AllocEnd(clusters)
		v.files = append(v.files, &fileEntry{
			startCluster: cluster,
			clusters:     clusters,
			provider:     NewFilePassthrough(fs, hostPath, int64(size)),
		})
	}

	if err := v.dirs.AddEntry(v.fat, parent, entryClusterValue(cluster), nameUnits, size, 0, mtime, atime); err != nil {
		if size > 0 {
			v.files = v.files[:len(v.files)-1]
		}
		return 0, err
	}
	return cluster, nil
}

// fatProvider adapts FATEngine's (buf, fatByteOffset, length) signature to
// Provider's (buf, offset).
type fatProvider struct {
	engine *FATEngine
}

func (p fatProvider) Fill(buf []byte, offset int64) error {
	return p.engine.Fill(buf, uint64(offset), uint32(len(buf)))
}

func (p fatProvider) Receive(buf []byte, offset int64) error {
	return p.engine.Receive(buf, uint64(offset), uint32(len(buf)))
}

// Finalize closes out construction: it fills the FAT's free-space gap
// (capped at freeClusters clusters, so the volume never reports more free
// space than that; the rest of the gap is marked bad), then
// registers every provider - boot sector, FSInfo sector, FAT, directories
// and file passthroughs - into the ImageMap at their final byte positions.
// After Finalize, AddDir/AddFile return errors and Fill/Receive serve reads
// and writes against the assembled image.
func (v *Volume) Finalize(freeClusters uint32) {
	v.fat.Finalize(freeClusters)

	boot := NewBootSector(v.geometry, v.opts.Label)
	v.images.Register(boot, 0, DefaultSectorSize, 0)

	fsinfo := NewFSInfoSector()
	v.images.Register(fsinfo, uint64(v.geometry.SectorSize), DefaultSectorSize, 0)

	fatOffset, fatLength := v.fat.FATByteRange()
	v.images.Register(fatProvider{engine: v.fat}, fatOffset, fatLength, 0)

	for _, dir := range v.dirByCluster {
		v.registerChain(dir, dir.startCluster)
	}
	for _, f := range v.files {
		length := uint64(f.clusters) * uint64(v.geometry.ClusterSize)
		v.images.Register(f.provider, v.fat.ClusterPos(f.startCluster), length, 0)
	}

	v.finalized = true
}

// registerChain walks dir's (possibly fragmented) cluster chain and
// registers each physically contiguous run against the matching span of
// dir's logical data buffer.
func (v *Volume) registerChain(dir *dirStream, startCluster uint32) {
	var logicalOffset int64
	for _, run := range v.fat.WalkChain(startCluster) {
		length := uint64(run.end-run.start+1) * uint64(v.geometry.ClusterSize)
		v.images.Register(dir, v.fat.ClusterPos(run.start), length, logicalOffset)
		logicalOffset += int64(length)
	}
}

// TotalBytes returns the full image size in bytes.
func (v *Volume) TotalBytes() uint64 {
	return uint64(v.geometry.TotalSectors) * uint64(v.geometry.SectorSize)
}

// Fill reads length bytes starting at offset from the synthesized image.
func (v *Volume) Fill(buf []byte, offset uint64) error {
	return v.images.Fill(buf, offset)
}

// Receive offers a client write of buf at offset to the synthesized image.
// Only the FAT region accepts writes; a write reaching outside it is
// rejected with ErrReadOnly.
func (v *Volume) Receive(buf []byte, offset uint64) error {
	fatOffset, fatLength := v.fat.FATByteRange()
	if offset < fatOffset || offset+uint64(len(buf)) > fatOffset+fatLength {
		return checkpoint.From(ErrReadOnly)
	}
	return v.images.Receive(buf, offset)
}

// RootCluster32 returns the root directory's cluster number, for callers
// that need it without importing the package constant directly.
func (v *Volume) RootCluster32() uint32 {
	return RootCluster
}
