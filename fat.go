package dirfat

import (
	"encoding/binary"

	"github.com/nbdfat/dirfat/checkpoint"
)

// FATEngine is an extent-compressed representation of a FAT32 File
// Allocation Table. It supports the two-phase lifecycle from spec.md §4.1:
// allocations happen during construction (AllocBeginning, AllocEnd,
// ExtendChain), then Finalize transitions to service phase where Fill and
// Receive answer (and absorb) byte-range requests.
//
// The FAT's natural shape is a graph of clusters pointing at clusters; the
// extent list collapses runs of that graph into single records so that a
// multi-gigabyte volume with a few hundred thousand files costs memory
// proportional to the number of allocations, not to the number of clusters
// (see original_source/fat.cpp, which this is ported from).
type FATEngine struct {
	geometry Geometry

	// extents holds the reserved entries and the low-allocated chains
	// (directories) during construction; finalize appends the free-space
	// and bad-cluster literals and splices extentsFromEnd onto the end.
	extents []extent

	// extentsFromEnd accumulates high-to-low allocations (file passthrough
	// ranges) during construction, most-recent-last. Finalize reverses and
	// appends them.
	extentsFromEnd []extent
}

// NewFATEngine constructs and initializes a FAT engine for the given
// geometry. It is equivalent to calling Init(geometry) on a new engine.
func NewFATEngine(geometry Geometry) *FATEngine {
	e := &FATEngine{}
	e.Init(geometry)
	return e
}

// Init resets the engine and installs the two reserved literal extents.
func (e *FATEngine) Init(geometry Geometry) {
	e.geometry = geometry
	e.extents = make([]extent, 0, 2)
	e.extents = append(e.extents,
		extent{start: 0, end: 0, next: uint32(MediaDescriptorFixedDisk) | 0x0FFFFF00, prev: 0},
		extent{start: 1, end: 1, next: EndOfChain, prev: EndOfChain},
	)
	e.extentsFromEnd = nil
}

func (e *FATEngine) validChainValue(value uint32) bool {
	if value == EndOfChain {
		return true
	}
	if value < ReservedFATEntries {
		return false
	}
	if value >= e.geometry.DataClusters+ReservedFATEntries {
		return false
	}
	return true
}

// firstFreeCluster is only valid during the construction phase.
func (e *FATEngine) firstFreeCluster() uint32 {
	return e.extents[len(e.extents)-1].end + 1
}

// lastFreeCluster is only valid during the construction phase.
func (e *FATEngine) lastFreeCluster() uint32 {
	if len(e.extentsFromEnd) == 0 {
		return e.geometry.DataClusters + ReservedFATEntries - 1
	}
	return e.extentsFromEnd[len(e.extentsFromEnd)-1].start - 1
}

// AllocBeginning appends an n-cluster chain at the lowest still-free cluster
// index and returns its starting cluster. Used for directories.
func (e *FATEngine) AllocBeginning(n uint32) uint32 {
	start := e.firstFreeCluster()
	e.extents = append(e.extents, extent{
		start: start,
		end:   start + n - 1,
		next:  EndOfChain,
		prev:  EndOfChain,
	})
	return start
}

// AllocEnd reserves an n-cluster chain at the highest still-free cluster
// index and returns its starting cluster. Used for file passthrough. The
// chain is held in a separate list until Finalize splices it in, so that
// repeated calls remain O(1) instead of shifting the whole extent list.
func (e *FATEngine) AllocEnd(n uint32) uint32 {
	end := e.lastFreeCluster()
	start := end - n + 1
	e.extentsFromEnd = append(e.extentsFromEnd, extent{
		start: start,
		end:   end,
		next:  EndOfChain,
		prev:  EndOfChain,
	})
	return start
}

// ExtendChain walks from clusterInChain along chain `next` pointers to the
// terminal extent and appends one cluster, returning the new last cluster.
// It returns 0 if clusterInChain does not belong to a chain (unallocated,
// literal, or not found).
func (e *FATEngine) ExtendChain(clusterInChain uint32) uint32 {
	idx := findExtent(e.extents, clusterInChain)
	for idx >= 0 && e.extents[idx].next != EndOfChain {
		if e.extents[idx].isLiteral() {
			return 0
		}
		idx = findExtent(e.extents, e.extents[idx].next)
	}
	if idx < 0 {
		return 0
	}

	if idx == len(e.extents)-1 {
		// Shortcut: this extent is already the tail of the whole list, so
		// just grow it in place.
		e.extents[idx].end++
		return e.extents[idx].end
	}

	fe := &e.extents[idx]
	newCluster := e.firstFreeCluster()
	fe.next = newCluster
	e.extents = append(e.extents, extent{
		start: newCluster,
		end:   newCluster,
		next:  EndOfChain,
		prev:  fe.end,
	})
	return newCluster
}

// ClusterPos returns the byte offset of the given cluster's data within the
// image, per spec.md's R·S + FAT_size + (cluster-2)·C formula.
func (e *FATEngine) ClusterPos(cluster uint32) uint64 {
	g := e.geometry
	return uint64(g.ReservedSectors)*uint64(g.SectorSize) + g.FATBytes() + uint64(cluster-2)*uint64(g.ClusterSize)
}

// FATByteRange returns the byte offset and length of the FAT region, for
// registering with an ImageMap.
func (e *FATEngine) FATByteRange() (offset, length uint64) {
	g := e.geometry
	return uint64(g.ReservedSectors) * uint64(g.SectorSize), g.FATBytes()
}

// Finalize fills the gap between the low-allocated and high-reserved
// regions with a run of UNALLOCATED entries (capped at maxFreeClusters) and
// a run of BAD_CLUSTER entries for the remainder, then splices the
// high-end allocations (in ascending cluster order) onto the end of the
// extent list. After Finalize, Fill and Receive are valid.
func (e *FATEngine) Finalize(maxFreeClusters uint32) {
	freeStart := e.firstFreeCluster()
	freeEnd := e.lastFreeCluster()
	if freeStart+maxFreeClusters-1 < freeEnd {
		freeEnd = freeStart + maxFreeClusters - 1
	}
	if freeEnd >= freeStart {
		e.extents = append(e.extents, extent{start: freeStart, end: freeEnd, next: Unallocated, prev: 0})
	}

	badStart := freeEnd + 1
	badEnd := e.lastFreeCluster()
	if badEnd >= badStart {
		e.extents = append(e.extents, extent{start: badStart, end: badEnd, next: BadCluster, prev: 0})
	}

	for i := len(e.extentsFromEnd) - 1; i >= 0; i-- {
		e.extents = append(e.extents, e.extentsFromEnd[i])
	}
	e.extentsFromEnd = nil
}

// Fill emits FAT bytes for [fatByteOffset, fatByteOffset+length) into buf[:length].
// Both offset and length must be 4-byte aligned.
func (e *FATEngine) Fill(buf []byte, fatByteOffset uint64, length uint32) error {
	if fatByteOffset%4 != 0 || length%4 != 0 {
		return checkpoint.From(ErrMalformed)
	}
	entryNr := uint32(fatByteOffset / 4)
	entries := length / 4
	var i uint32

	idx := findExtent(e.extents, entryNr)
	for idx >= 0 {
		fe := &e.extents[idx]
		if fe.isLiteral() {
			for entryNr+i <= fe.end && i < entries {
				binary.LittleEndian.PutUint32(buf[i*4:], fe.next)
				i++
			}
		} else {
			for entryNr+i < fe.end && i < entries {
				binary.LittleEndian.PutUint32(buf[i*4:], entryNr+i+1)
				i++
			}
			if i < entries {
				binary.LittleEndian.PutUint32(buf[i*4:], fe.next)
				i++
			}
		}
		if i == entries {
			return nil
		}
		// Extents are contiguous, so the next entry's extent is simply the
		// next slice element.
		if idx < len(e.extents)-1 {
			idx++
		} else {
			idx = -1
		}
	}

	// Past the end of the data clusters: pad the tail of the last FAT
	// sector with BAD_CLUSTER, since there's no real data there.
	for ; i < entries; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], BadCluster)
	}
	return nil
}

// Receive accepts a client write into the FAT region, diffing it against
// the currently synthesized FAT and reinterpreting each changed entry as an
// extent operation. See spec.md §4.1 for the rule set; this is a direct port
// of FatDataService::receive in original_source/fat.cpp.
//
// If an entry is rejected, earlier edits applied within the same call remain
// applied - this mirrors the original's documented (if unfortunate) behavior
// and is preserved deliberately, not a bug.
func (e *FATEngine) Receive(buf []byte, fatByteOffset uint64, length uint32) error {
	if fatByteOffset%4 != 0 || length%4 != 0 {
		return checkpoint.From(ErrMalformed)
	}
	entries := length / 4
	entryNr := uint32(fatByteOffset / 4)

	orig := make([]byte, length)
	if err := e.Fill(orig, fatByteOffset, length); err != nil {
		return err
	}

	for i := uint32(0); i < entries; i++ {
		newVal := binary.LittleEndian.Uint32(buf[i*4:])
		oldVal := binary.LittleEndian.Uint32(orig[i*4:])
		if newVal == oldVal {
			continue
		}
		cluster := entryNr + i
		if cluster < ReservedFATEntries {
			return checkpoint.From(ErrBadMutation)
		}
		if oldVal == BadCluster {
			return checkpoint.From(ErrBadMutation)
		}
		idx := findExtent(e.extents, cluster)
		if idx <= 0 {
			return checkpoint.From(ErrBadMutation)
		}

		fe := &e.extents[idx]
		if fe.start == cluster {
			if tryIncExtent(e.extents, idx-1, newVal, e.validChainValue) {
				e.extents = bumpExtent(e.extents, idx)
				continue
			}
		}
		if fe.end == cluster {
			if tryRenextExtent(e.extents, idx, newVal, e.validChainValue) {
				continue
			}
		}
		e.extents = punchExtent(e.extents, idx, cluster, newVal)
	}
	return nil
}

// CheckConsistency verifies the extent invariants from spec.md §8: extents
// cover [0, DataClusters+2) without gap or overlap, and every chain extent's
// next either is END_OF_CHAIN or names an existing chain extent whose start
// equals that next. It also opportunistically fills in back-pointers, as a
// side effect, exactly like the original's fat_is_consistent.
func (e *FATEngine) CheckConsistency() bool {
	var want uint32
	for i := range e.extents {
		if e.extents[i].start != want || e.extents[i].end < e.extents[i].start {
			return false
		}
		want = e.extents[i].end + 1
	}
	if want != e.geometry.DataClusters+ReservedFATEntries {
		return false
	}

	for i := len(e.extents) - 1; i >= 0; i-- {
		fe := &e.extents[i]
		if fe.isLiteral() {
			continue
		}
		if fe.next == EndOfChain {
			continue
		}
		if !e.validChainValue(fe.next) {
			return false
		}
		nextIdx := findExtent(e.extents, fe.next)
		if nextIdx < 0 {
			return false
		}
		nfe := &e.extents[nextIdx]
		if nfe.isLiteral() {
			return false
		}
		if fe.next != nfe.start {
			return false
		}
		if nfe.prev == EndOfChain {
			nfe.prev = fe.end
		} else if nfe.prev != fe.end {
			return false
		}
	}
	return true
}

// DataClusters returns the number of addressable data clusters.
func (e *FATEngine) DataClusters() uint32 {
	return e.geometry.DataClusters
}

// clusterRun is one physically contiguous span of a chain.
type clusterRun struct {
	start, end uint32
}

// WalkChain returns the chain starting at cluster as an ordered list of
// physically contiguous runs. Chains built purely by AllocBeginning followed
// by ExtendChain calls can fragment across the low end of the cluster space
// whenever another chain's growth lands between two of this chain's extents
// (see ExtendChain); each returned run corresponds to one FAT chain extent.
func (e *FATEngine) WalkChain(cluster uint32) []clusterRun {
	var runs []clusterRun
	idx := findExtent(e.extents, cluster)
	for idx >= 0 {
		fe := &e.extents[idx]
		runs = append(runs, clusterRun{start: fe.start, end: fe.end})
		if fe.isLiteral() || fe.next == EndOfChain {
			break
		}
		idx = findExtent(e.extents, fe.next)
	}
	return runs
}
