//go:build linux

package source

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// VsockOpener connects to the enclave console over AF_VSOCK.
type VsockOpener struct {
	CID  uint32
	Port uint32
}

func (o VsockOpener) Describe() string {
	return fmt.Sprintf("vsock cid=%d port=%d", o.CID, o.Port)
}

func (o VsockOpener) Open(ctx context.Context) (LineSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("create vsock socket: %w", err)
	}

	if err := unix.Connect(fd, &unix.SockaddrVM{CID: o.CID, Port: o.Port}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", o.Describe(), err)
	}

	// non-blocking so the runtime poller owns the fd and Close interrupts reads
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set vsock non-blocking: %w", err)
	}

	file := os.NewFile(uintptr(fd), fmt.Sprintf("vsock:%d:%d", o.CID, o.Port))
	return NewStreamSource(file), nil
}
