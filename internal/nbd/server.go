// Package nbd exposes the flash block I/O adapter as a network block
// device: read-write, flush supported, trim not supported.
package nbd

import (
	"fmt"
	"io"
	"log"
	"net"

	"github.com/pojntfx/go-nbd/pkg/server"

	"rockusb/pkg/device"
)

// backend adapts device.IO to go-nbd's backend interface. The server drives
// it from a single goroutine, matching the adapter's serialization rules.
type backend struct {
	io *device.IO
}

func (b *backend) ReadAt(p []byte, off int64) (int, error) {
	if _, err := b.io.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(b.io, p)
}

func (b *backend) WriteAt(p []byte, off int64) (int, error) {
	if _, err := b.io.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return b.io.Write(p)
}

func (b *backend) Size() (int64, error) {
	return int64(b.io.Size()), nil
}

func (b *backend) Sync() error {
	return b.io.Flush()
}

// Serve listens on addr, accepts a single client connection and serves the
// flash as an NBD export until the client disconnects.
func Serve(addr string, blk *device.IO) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Printf("Listening for nbd connection on %s", listener.Addr())

	conn, err := listener.Accept()
	listener.Close()
	if err != nil {
		return fmt.Errorf("accept nbd connection: %w", err)
	}
	defer conn.Close()
	log.Printf("Client connected from %s", conn.RemoteAddr())

	err = server.Handle(conn, []*server.Export{{
		Name:        "rockusb",
		Description: "rockchip flash",
		Backend:     &backend{io: blk},
	}}, &server.Options{
		ReadOnly:           false,
		MinimumBlockSize:   1,
		PreferredBlockSize: 512,
		MaximumBlockSize:   device.MaxIOSize,
	})
	if err != nil {
		return fmt.Errorf("nbd session: %w", err)
	}
	log.Printf("nbd client disconnected")
	return blk.Flush()
}
