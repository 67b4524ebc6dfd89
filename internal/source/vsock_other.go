//go:build !linux

package source

import (
	"context"
	"fmt"
)

// VsockOpener connects to the enclave console over AF_VSOCK. Only Linux is supported.
type VsockOpener struct {
	CID  uint32
	Port uint32
}

func (o VsockOpener) Describe() string {
	return fmt.Sprintf("vsock cid=%d port=%d", o.CID, o.Port)
}

func (o VsockOpener) Open(context.Context) (LineSource, error) {
	return nil, ErrUnsupported
}
