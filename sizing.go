package dirfat

import "fmt"

// Geometry describes the on-disk layout of a synthesized volume: sector and
// cluster sizes, how many sectors are reserved before the FAT, and how many
// data clusters the FAT covers.
type Geometry struct {
	SectorSize      uint32
	ClusterSize     uint32
	ReservedSectors uint32
	DataClusters    uint32
	FATSectors      uint32
	TotalSectors    uint32
}

// SectorsPerCluster returns ClusterSize/SectorSize, which is always an
// integer because ClusterSize is required to be a power-of-two multiple of
// SectorSize.
func (g Geometry) SectorsPerCluster() uint32 {
	return g.ClusterSize / g.SectorSize
}

// FATBytes returns the sector-aligned byte length of the FAT region.
func (g Geometry) FATBytes() uint64 {
	return uint64(g.FATSectors) * uint64(g.SectorSize)
}

// Plan computes the geometry for a volume covering approximately
// requestedSectors sectors of sectorSize bytes each, following the
// correct-then-clamp-then-recompute procedure from spec.md §4.6 (ported from
// original_source/vfat.cpp's vfat_adjust_size). Only sectorSize ==
// DefaultSectorSize is supported; anything else is rejected, matching the
// original's single supported block size.
//
// reservedSectors and clusterSize select the layout; callers that don't care
// can pass 0 for either to get the defaults (32 reserved sectors, 4096-byte
// clusters).
func Plan(requestedSectors uint64, sectorSize, clusterSize, reservedSectors uint32) (Geometry, error) {
	if sectorSize == 0 {
		sectorSize = DefaultSectorSize
	}
	if sectorSize != DefaultSectorSize {
		return Geometry{}, fmt.Errorf("dirfat: unsupported sector size %d, only %d is supported", sectorSize, DefaultSectorSize)
	}
	if clusterSize == 0 {
		clusterSize = DefaultClusterSize
	}
	if clusterSize%sectorSize != 0 || clusterSize < sectorSize {
		return Geometry{}, fmt.Errorf("dirfat: cluster size %d must be a multiple of sector size %d", clusterSize, sectorSize)
	}
	if spc := clusterSize / sectorSize; spc&(spc-1) != 0 {
		return Geometry{}, fmt.Errorf("dirfat: cluster size %d must be a power-of-two multiple of sector size %d", clusterSize, sectorSize)
	}
	if reservedSectors == 0 {
		reservedSectors = 32
	}
	if reservedSectors < 2 {
		return Geometry{}, fmt.Errorf("dirfat: reserved sector count %d must be at least 2", reservedSectors)
	}

	sectorsPerCluster := clusterSize / sectorSize

	fatSectorsFor := func(dataClusters uint32) uint32 {
		bytes := alignUp(uint64(dataClusters+ReservedFATEntries)*4, uint64(sectorSize))
		return uint32(bytes / uint64(sectorSize))
	}

	if requestedSectors <= uint64(reservedSectors) {
		return Geometry{}, fmt.Errorf("dirfat: requested %d sectors too small for %d reserved sectors", requestedSectors, reservedSectors)
	}

	// Optimistic first pass: ignores the space the FAT itself will need.
	dataClusters := uint32((requestedSectors - uint64(reservedSectors)) / uint64(sectorsPerCluster))
	fatSectors := fatSectorsFor(dataClusters)

	// Correct for the FAT's own footprint.
	denom := uint64(reservedSectors) + uint64(fatSectors)
	if requestedSectors <= denom {
		dataClusters = 0
	} else {
		dataClusters = uint32((requestedSectors - denom) / uint64(sectorsPerCluster))
	}

	if dataClusters < MinFAT32Clusters {
		dataClusters = MinFAT32Clusters
	}
	if dataClusters > MaxFAT32Clusters {
		dataClusters = MaxFAT32Clusters
	}

	fatSectors = fatSectorsFor(dataClusters)
	totalSectors := reservedSectors + fatSectors + dataClusters*sectorsPerCluster

	return Geometry{
		SectorSize:      sectorSize,
		ClusterSize:     clusterSize,
		ReservedSectors: reservedSectors,
		DataClusters:    dataClusters,
		FATSectors:      fatSectors,
		TotalSectors:    totalSectors,
	}, nil
}
