// Package disk provides block devices behind the goose disk.Disk
// interface: a file-backed disk for real images and a crash-injecting
// wrapper for recovery tests. The kernel proper only ever sees
// disk.Disk; these are the virtio collaborator's stand-ins.
package disk

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"golang.org/x/sys/unix"
)

var _ disk.Disk = FileDisk{}

// FileDisk is a disk backed by a file or block device, for running
// against mkfs'd images.
type FileDisk struct {
	fd        int
	numBlocks uint64
}

func NewFileDisk(path string, numBlocks uint64) (FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return FileDisk{}, err
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		return FileDisk{}, err
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != numBlocks*disk.BlockSize {
		err = unix.Ftruncate(fd, int64(numBlocks*disk.BlockSize))
		if err != nil {
			return FileDisk{}, err
		}
	}
	return FileDisk{fd, numBlocks}, nil
}

func (d FileDisk) Read(a uint64) disk.Block {
	buf := make([]byte, disk.BlockSize)
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds read at %v", a))
	}
	_, err := unix.Pread(d.fd, buf, int64(a*disk.BlockSize))
	if err != nil {
		panic("read failed: " + err.Error())
	}
	return buf
}

func (d FileDisk) Write(a uint64, v disk.Block) {
	if uint64(len(v)) != disk.BlockSize {
		panic(fmt.Errorf("v is not block sized (%d bytes)", len(v)))
	}
	if a >= d.numBlocks {
		panic(fmt.Errorf("out-of-bounds write at %v", a))
	}
	_, err := unix.Pwrite(d.fd, v, int64(a*disk.BlockSize))
	if err != nil {
		panic("write failed: " + err.Error())
	}
}

func (d FileDisk) Size() uint64 {
	return d.numBlocks
}

func (d FileDisk) Barrier() {
	err := unix.Fsync(d.fd)
	if err != nil {
		panic("file sync failed: " + err.Error())
	}
}

func (d FileDisk) Close() {
	err := unix.Close(d.fd)
	if err != nil {
		panic(err)
	}
}
