// Command dirfatnbd exports a directory tree as a FAT32-formatted Network
// Block Device, the way original_source/tojblockd.cpp's main() does: open
// the device, size it from the target directory's statfs info, hand the
// kernel one end of a socket pair, and serve NBD requests off the other end
// while a blocking NBD_DO_IT ioctl keeps the device attached.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"unsafe"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/nbdfat/dirfat"
	"github.com/nbdfat/dirfat/nbdserver"
	"github.com/nbdfat/dirfat/scanner"
)

const (
	// _IO(0xab, nr) NBD ioctls, ported from original_source/nbd.h.
	nbdSetSock       = 0xab00
	nbdSetBlkSize    = 0xab01
	nbdDoIt          = 0xab03
	nbdSetSizeBlocks = 0xab07
	blkROSet         = 0x125d // _IO(0x12, 93), from linux/fs.h

	reexecEnvVar  = "DIRFATNBD_DAEMONIZED"
	versionString = "experimental"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		device    = pflag.StringP("device", "d", "/dev/nbd0", "network block device to attach to")
		daemonize = pflag.Bool("daemonize", false, "fork away from the shell and run as a daemon")
		label     = pflag.String("label", "DIRFAT", "FAT32 volume label (up to 11 characters)")
		readOnly  = pflag.Bool("read-only", false, "mark the device read-only at the block layer, rejecting all writes including FAT updates")
		version   = pflag.Bool("version", false, "print the version and exit")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] DIRECTORY\n\n"+
			"Reads a directory tree and presents it as a FAT32 network block\n"+
			"device. Files are served read-only from the host filesystem; the\n"+
			"File Allocation Table accepts writes that move or resize existing\n"+
			"file ranges, unless --read-only is given.\n\nOptions:\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *version {
		fmt.Println("dirfatnbd", versionString)
		return 0
	}
	if pflag.NArg() != 1 {
		pflag.Usage()
		return 2
	}
	targetDir := pflag.Arg(0)

	logger := newCommandLogger()

	if *daemonize && os.Getenv(reexecEnvVar) == "" {
		return daemonizeSelf()
	}

	devFile, err := os.OpenFile(*device, os.O_RDWR, 0)
	if err != nil {
		logger.Error("could not open device", "device", *device, "error", err)
		return 1
	}
	defer devFile.Close()
	devFd := int(devFile.Fd())

	var stat unix.Statfs_t
	if err := unix.Statfs(targetDir, &stat); err != nil {
		logger.Error("could not stat directory tree", "dir", targetDir, "error", err)
		return 1
	}
	imageSize := uint64(stat.Bsize) * stat.Blocks
	freeSpace := uint64(stat.Bsize) * uint64(stat.Bavail)

	requestedSectors := imageSize / dirfat.DefaultSectorSize
	if imageSize%dirfat.DefaultSectorSize != 0 {
		requestedSectors++
	}
	geometry, err := dirfat.Plan(requestedSectors, dirfat.DefaultSectorSize, 0, 0)
	if err != nil {
		logger.Error("could not plan volume geometry", "error", err)
		return 1
	}

	if *readOnly {
		one := 1
		if err := ioctlArg(devFd, blkROSet, uintptr(unsafe.Pointer(&one))); err != nil {
			logger.Warn("could not set device read-only", "error", err)
		}
	}
	if err := ioctlArg(devFd, nbdSetBlkSize, uintptr(dirfat.DefaultSectorSize)); err != nil {
		logger.Error("could not set block size", "error", err)
		return 1
	}
	totalBlocks := geometry.TotalSectors
	if err := ioctlArg(devFd, nbdSetSizeBlocks, uintptr(totalBlocks)); err != nil {
		logger.Error("could not set image size", "error", err)
		return 1
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		logger.Error("could not open socket pair", "error", err)
		return 1
	}
	serverFile := os.NewFile(uintptr(fds[0]), "nbd-server")
	kernelFd := fds[1]

	vol := dirfat.NewVolume(geometry, dirfat.BootOptions{Label: *label})

	logger.Info("scanning directory tree", "dir", targetDir)
	fsys := afero.NewOsFs()
	stats, err := scanner.Scan(context.Background(), fsys, targetDir, vol, logger)
	if err != nil {
		logger.Error("scan failed", "error", err)
		return 1
	}
	logger.Info("scan complete", "dirs", stats.Dirs, "files", stats.Files, "skipped", stats.Skipped, "bytesMapped", stats.BytesMapped)

	freeClusters := uint32(freeSpace / uint64(geometry.ClusterSize))
	vol.Finalize(freeClusters)

	conn, err := net.FileConn(serverFile)
	if err != nil {
		logger.Error("could not wrap server socket", "error", err)
		return 1
	}

	go func() {
		srv := nbdserver.NewServer(vol, conn, logger)
		if err := srv.Serve(context.Background()); err != nil {
			logger.Error("nbd server exited", "error", err)
		}
	}()

	if err := ioctlArg(devFd, nbdSetSock, uintptr(kernelFd)); err != nil {
		logger.Error("could not associate socket with device", "error", err)
		return 1
	}

	logger.Info("ready", "device", *device, "totalBytes", vol.TotalBytes())
	if err := ioctlNoArg(devFd, nbdDoIt); err != nil {
		logger.Error("device processing failed", "device", *device, "error", err)
		return 1
	}
	return 0
}

// daemonizeSelf re-executes the current command with stdio redirected to
// /dev/null and its own session, then exits. Go's runtime can't safely
// fork() mid-process the way the original's daemonize() does, so this plays
// the same role with a re-exec instead of a literal fork.
func daemonizeSelf() int {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dirfatnbd: could not open /dev/null:", err)
		return 1
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "dirfatnbd: could not daemonize:", err)
		return 1
	}
	return 0
}

func newCommandLogger() *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func ioctlNoArg(fd int, req uintptr) error {
	return ioctlArg(fd, req, 0)
}

func ioctlArg(fd int, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

