package fs

import (
	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
)

// skipElem splits the first path element off path: "a/bb/c" gives
// ("a", "bb/c"); leading and trailing slashes are eaten. An empty
// element means the path is exhausted.
func skipElem(path string) (string, string) {
	i := 0
	for i < len(path) && path[i] == '/' {
		i++
	}
	s := i
	for i < len(path) && path[i] != '/' {
		i++
	}
	elem := path[s:i]
	if uint64(len(elem)) > common.DIRSIZ {
		elem = elem[:common.DIRSIZ]
	}
	for i < len(path) && path[i] == '/' {
		i++
	}
	return elem, path[i:]
}

// namex resolves path starting from the root (absolute) or cwd,
// locking one inode at a time so that a lookup of "." cannot
// deadlock with itself. With parent set it stops one element early
// and returns the directory plus the final name.
func (fs *FileSys) namex(cwd *Inode, path string, parent bool) (*Inode, string, defs.Err_t) {
	var ip *Inode
	if len(path) > 0 && path[0] == '/' {
		ip = fs.Iget(common.ROOTDEV, common.ROOTINO)
	} else {
		if cwd == nil {
			return nil, "", defs.ENOENT
		}
		ip = fs.Idup(cwd)
	}

	name, rest := skipElem(path)
	for name != "" {
		fs.Ilock(ip)
		if ip.Type != defs.T_DIR {
			fs.Iunlockput(ip)
			return nil, "", defs.ENOTDIR
		}
		if parent && rest == "" {
			fs.Iunlock(ip)
			return ip, name, 0
		}
		next, _ := fs.DirLookup(ip, name)
		if next == nil {
			fs.Iunlockput(ip)
			return nil, "", defs.ENOENT
		}
		fs.Iunlockput(ip)
		ip = next
		name, rest = skipElem(rest)
	}
	if parent {
		// path named the root itself; there is no parent to return
		fs.Iput(ip)
		return nil, "", defs.ENOENT
	}
	return ip, "", 0
}

// Namei resolves path to an unlocked inode handle.
func (fs *FileSys) Namei(cwd *Inode, path string) (*Inode, defs.Err_t) {
	ip, _, err := fs.namex(cwd, path, false)
	return ip, err
}

// NameiParent resolves to the parent directory of path's last
// element, returning the element name.
func (fs *FileSys) NameiParent(cwd *Inode, path string) (*Inode, string, defs.Err_t) {
	return fs.namex(cwd, path, true)
}
