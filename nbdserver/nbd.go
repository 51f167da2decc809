// Package nbdserver speaks the server side of the Network Block Device wire
// protocol against a dirfat.Volume, in place of original_source/tojblockd.cpp's
// serve() loop and nbd.h's request/reply layout.
package nbdserver

import (
	"errors"
	"syscall"
)

// Wire constants, ported from original_source/nbd.h. All multi-byte fields
// on the wire are big-endian, unlike the little-endian FAT32 structures
// dirfat deals in.
const (
	requestMagic = 0x25609513
	replyMagic   = 0x67446698

	cmdRead       = 0
	cmdWrite      = 1
	cmdDisconnect = 2
	cmdFlush      = 3
	cmdTrim       = 4
)

// request mirrors struct nbd_request. encoding/binary reads and writes each
// field by its declared size regardless of Go's in-memory struct layout, so
// this doesn't need a packed/unsafe representation to match the 28-byte
// wire format (4 + 4 + 8 + 8 + 4).
type request struct {
	Magic  uint32
	Type   uint32
	Handle [8]byte
	From   uint64
	Len    uint32
}

// reply mirrors struct nbd_reply (16 bytes: 4 + 4 + 8).
type reply struct {
	Magic  uint32
	Error  uint32
	Handle [8]byte
}

// errnoOf maps an error from a Volume operation to the NBD reply's error
// field, which is a bare errno value (0 meaning success).
func errnoOf(err error) uint32 {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return uint32(syscall.EIO)
}
