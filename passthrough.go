package dirfat

import (
	"io"

	"github.com/spf13/afero"

	"github.com/nbdfat/dirfat/checkpoint"
)

// FilePassthrough is a Provider that pages a host file's contents straight
// through to the image, opening and reading it fresh for every Fill call.
// It holds no file descriptor and no cache between calls, trading repeat
// open() overhead for a bounded memory footprint regardless of how many
// files a volume maps (ported from original_source/filemap.cpp's
// filemap_fill, which does the same open/lseek/read/close per request).
type FilePassthrough struct {
	fs   afero.Fs
	path string
	size int64
}

// NewFilePassthrough returns a Provider for the host file at path, which is
// expected to be size bytes long. Reads past size, and reads that hit a
// short read against the live file, are zero-filled.
func NewFilePassthrough(fs afero.Fs, path string, size int64) *FilePassthrough {
	return &FilePassthrough{fs: fs, path: path, size: size}
}

// Fill implements Provider.
func (p *FilePassthrough) Fill(buf []byte, offset int64) error {
	f, err := p.fs.Open(p.path)
	if err != nil {
		return checkpoint.From(err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return checkpoint.From(err)
		}
	}

	want := int64(len(buf))
	if rem := p.size - offset; rem < want {
		want = rem
	}
	if want < 0 {
		want = 0
	}
	n, err := io.ReadFull(f, buf[:want])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return checkpoint.From(err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// Receive implements Provider. Host files are read-only passthrough: client
// writes to file data clusters are rejected rather than silently discarded.
func (p *FilePassthrough) Receive(buf []byte, offset int64) error {
	return checkpoint.From(ErrReadOnly)
}
