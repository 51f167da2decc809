package nbdserver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"

	"github.com/nbdfat/dirfat"
)

// Server answers NBD requests from one client connection against a Volume,
// the Go equivalent of original_source/tojblockd.cpp's serve() loop. Unlike
// that loop, which unconditionally rejects every write with EROFS, writes
// here reach the Volume and succeed or fail based on what they touch: a FAT
// write that resolves to a valid extent mutation succeeds, everything else
// (directory data, file data, malformed FAT writes) reports its own errno.
type Server struct {
	vol    *dirfat.Volume
	conn   net.Conn
	logger *slog.Logger
}

// NewServer returns a Server for one already-accepted connection.
func NewServer(vol *dirfat.Volume, conn net.Conn, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{vol: vol, conn: conn, logger: logger}
}

// Serve reads requests until the client closes the connection, ctx is
// canceled, or a protocol-level error makes the connection unrecoverable.
// An EOF on read returns nil; NBD_CMD_DISC gets the same EINVAL reply as
// any other non-READ/WRITE command and does not end the loop on its own -
// see the comment in the request-type switch below.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req request
		if err := binary.Read(s.conn, binary.BigEndian, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("nbdserver: read request: %w", err)
		}
		if req.Magic != requestMagic {
			return fmt.Errorf("nbdserver: bad request magic %#x", req.Magic)
		}

		switch req.Type {
		case cmdRead:
			if err := s.handleRead(req); err != nil {
				return err
			}
		case cmdWrite:
			if err := s.handleWrite(req); err != nil {
				return err
			}
		default:
			// DISC, FLUSH, TRIM and anything unrecognized all fall under
			// spec.md §6's "other types" rule: reply EINVAL without
			// touching the volume. original_source/tojblockd.cpp's serve()
			// loop does the same - only READ and WRITE get a case of their
			// own - and keeps looping even after a DISC.
			if req.Type != cmdDisconnect && req.Type != cmdFlush && req.Type != cmdTrim {
				s.logger.Warn("unrecognized NBD command", "type", req.Type)
			}
			if err := s.sendReply(req.Handle, uint32(syscall.EINVAL)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleRead(req request) error {
	s.logger.Debug("read", "len", req.Len, "from", req.From)

	buf := make([]byte, req.Len)
	fillErr := s.vol.Fill(buf, req.From)
	if err := s.sendReply(req.Handle, errnoOf(fillErr)); err != nil {
		return err
	}
	if fillErr != nil {
		return nil
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("nbdserver: write read payload: %w", err)
	}
	return nil
}

func (s *Server) handleWrite(req request) error {
	s.logger.Debug("write", "len", req.Len, "from", req.From)

	buf := make([]byte, req.Len)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return fmt.Errorf("nbdserver: read write payload: %w", err)
	}
	recvErr := s.vol.Receive(buf, req.From)
	if recvErr != nil {
		s.logger.Warn("write rejected", "from", req.From, "len", req.Len, "error", recvErr)
	}
	return s.sendReply(req.Handle, errnoOf(recvErr))
}

func (s *Server) sendReply(handle [8]byte, errno uint32) error {
	rep := reply{Magic: replyMagic, Error: errno, Handle: handle}
	if err := binary.Write(s.conn, binary.BigEndian, &rep); err != nil {
		return fmt.Errorf("nbdserver: write reply: %w", err)
	}
	return nil
}
