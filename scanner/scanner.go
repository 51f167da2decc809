// Package scanner walks a host directory tree and feeds it into a
// dirfat.Volume, the way original_source/vfat.cpp's scan_target_dir and
// scan_fts walk the target directory with fts(3) and call dir_add_entry and
// filemap_add for each entry. Here the walk itself is afero.Walk's job;
// this package is the glue between what the walk visits and what a Volume
// needs to allocate.
package scanner

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/nbdfat/dirfat"
)

// Stats summarizes one Scan call.
type Stats struct {
	Dirs, Files int
	Skipped     int
	BytesMapped uint64
}

// Scan walks fsys starting at root and adds every directory and regular
// file it finds to vol. Entries that can't be represented - unstattable,
// not a directory/regular file, oversized, or with a name that doesn't
// round-trip through UTF-16 - are logged and skipped rather than aborting
// the whole scan, mirroring scan_fts's FTS_SKIP / silent-skip behavior for
// "anything else" and unrepresentable names or sizes.
func Scan(ctx context.Context, fsys afero.Fs, root string, vol *dirfat.Volume, logger *slog.Logger) (Stats, error) {
	var stats Stats
	clusterByPath := map[string]uint32{root: 0} // 0 is the Volume convention for "root directory"

	err := afero.Walk(fsys, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			logger.Warn("skipping unstattable entry", "path", path, "error", walkErr)
			stats.Skipped++
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		parentCluster, ok := clusterByPath[filepath.Dir(path)]
		if !ok {
			// Parent itself was skipped; this entry is unreachable.
			stats.Skipped++
			return nil
		}

		name := filepath.Base(path)
		mtime := info.ModTime()

		if info.IsDir() {
			cluster, addErr := vol.AddDir(parentCluster, name, mtime, mtime)
			if addErr != nil {
				logger.Warn("skipping directory", "path", path, "error", addErr)
				stats.Skipped++
				return filepath.SkipDir
			}
			clusterByPath[path] = cluster
			stats.Dirs++
			return nil
		}

		if !info.Mode().IsRegular() {
			logger.Warn("skipping entry that is neither a directory nor a regular file", "path", path, "mode", info.Mode())
			stats.Skipped++
			return nil
		}

		size := info.Size()
		if size < 0 || size > math.MaxUint32 {
			logger.Warn("skipping file too large to represent in a 32-bit size field", "path", path, "size", size)
			stats.Skipped++
			return nil
		}

		if _, addErr := vol.AddFile(fsys, parentCluster, name, path, uint32(size), mtime, mtime); addErr != nil {
			logger.Warn("skipping file", "path", path, "error", addErr)
			stats.Skipped++
			return nil
		}
		stats.Files++
		stats.BytesMapped += uint64(size)
		return nil
	})

	return stats, err
}
