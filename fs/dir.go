package fs

import (
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/vm"
)

// Dirent is one directory entry: inum u16 then DIRSIZ name bytes,
// NUL-padded. inum 0 marks a free slot.
type Dirent struct {
	Inum common.Inum
	Name string
}

func decodeDirent(b []byte) Dirent {
	var n int
	for n < int(common.DIRSIZ) && b[2+n] != 0 {
		n++
	}
	return Dirent{
		Inum: common.Inum(u16Get(b[0:2])),
		Name: string(b[2 : 2+n]),
	}
}

func encodeDirent(b []byte, de Dirent) {
	u16Put(b[0:2], uint16(de.Inum))
	for i := uint64(0); i < common.DIRSIZ; i++ {
		if i < uint64(len(de.Name)) {
			b[2+i] = de.Name[i]
		} else {
			b[2+i] = 0
		}
	}
}

// DirLookup scans the locked directory for name; on a hit it returns
// an unlocked handle plus the entry's byte offset.
func (fs *FileSys) DirLookup(dp *Inode, name string) (*Inode, uint64) {
	if dp.Type != defs.T_DIR {
		panic("dirlookup: not a dir")
	}
	buf := make([]byte, common.DIRENTSZ)
	for off := uint64(0); off < dp.Size; off += common.DIRENTSZ {
		n, err := fs.Readi(dp, vm.MkKernBuf(buf), off, common.DIRENTSZ)
		if n != common.DIRENTSZ || err != 0 {
			panic("dirlookup: read")
		}
		de := decodeDirent(buf)
		if de.Inum == 0 {
			continue
		}
		if de.Name == name {
			return fs.Iget(dp.Dev, de.Inum), off
		}
	}
	return nil, 0
}

// DirLink appends a (name, inum) entry to the locked directory,
// reusing a free slot when one exists. EEXIST if name is present.
func (fs *FileSys) DirLink(dp *Inode, name string, inum common.Inum) defs.Err_t {
	if ip, _ := fs.DirLookup(dp, name); ip != nil {
		fs.Iput(ip)
		return defs.EEXIST
	}

	buf := make([]byte, common.DIRENTSZ)
	var off uint64
	for off = 0; off < dp.Size; off += common.DIRENTSZ {
		n, err := fs.Readi(dp, vm.MkKernBuf(buf), off, common.DIRENTSZ)
		if n != common.DIRENTSZ || err != 0 {
			panic("dirlink: read")
		}
		if decodeDirent(buf).Inum == 0 {
			break
		}
	}
	encodeDirent(buf, Dirent{Inum: inum, Name: name})
	n, err := fs.Writei(dp, vm.MkKernBuf(buf), off, common.DIRENTSZ)
	if err != 0 {
		return err
	}
	if n != common.DIRENTSZ {
		panic("dirlink: write")
	}
	return 0
}

// DirErase clears the entry at byte offset off in the locked
// directory, inside the current operation.
func (fs *FileSys) DirErase(dp *Inode, off uint64) {
	buf := make([]byte, common.DIRENTSZ)
	n, err := fs.Writei(dp, vm.MkKernBuf(buf), off, common.DIRENTSZ)
	if n != common.DIRENTSZ || err != 0 {
		panic("direrase")
	}
}

// IsDirEmpty reports whether the locked directory holds only "." and
// "..".
func (fs *FileSys) IsDirEmpty(dp *Inode) bool {
	buf := make([]byte, common.DIRENTSZ)
	for off := 2 * common.DIRENTSZ; off < dp.Size; off += common.DIRENTSZ {
		n, err := fs.Readi(dp, vm.MkKernBuf(buf), off, common.DIRENTSZ)
		if n != common.DIRENTSZ || err != 0 {
			panic("isdirempty: read")
		}
		if decodeDirent(buf).Inum != 0 {
			return false
		}
	}
	return true
}
