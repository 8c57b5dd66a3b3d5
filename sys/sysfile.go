package sys

import (
	"github.com/tchajed/goose/machine"

	"github.com/mit-pdos/go-xv6/common"
	"github.com/mit-pdos/go-xv6/defs"
	"github.com/mit-pdos/go-xv6/file"
	"github.com/mit-pdos/go-xv6/fs"
	"github.com/mit-pdos/go-xv6/proc"
)

func (s *Sys) sysDup(p *proc.Proc) int64 {
	_, f, err := argFd(p, 0)
	if err != 0 {
		return -1
	}
	fd, err := fdAlloc(p, f)
	if err != 0 {
		return -1
	}
	s.ftab.Dup(f)
	return int64(fd)
}

func (s *Sys) sysRead(p *proc.Proc) int64 {
	_, f, err := argFd(p, 0)
	if err != 0 {
		return -1
	}
	addr := argAddr(p, 1)
	n := argRaw(p, 2)
	r, err := s.ftab.Read(f, s.userBuf(p, addr), n)
	if err != 0 {
		return -1
	}
	return int64(r)
}

func (s *Sys) sysWrite(p *proc.Proc) int64 {
	_, f, err := argFd(p, 0)
	if err != 0 {
		return -1
	}
	addr := argAddr(p, 1)
	n := argRaw(p, 2)
	w, err := s.ftab.Write(f, s.userBuf(p, addr), n)
	if err != 0 {
		return -1
	}
	return int64(w)
}

func (s *Sys) sysClose(p *proc.Proc) int64 {
	fd, f, err := argFd(p, 0)
	if err != 0 {
		return -1
	}
	p.Ofile[fd] = nil
	s.ftab.Close(f)
	return 0
}

func (s *Sys) sysFstat(p *proc.Proc) int64 {
	_, f, err := argFd(p, 0)
	if err != 0 {
		return -1
	}
	addr := argAddr(p, 1)
	if err := s.ftab.Stat(f, s.userBuf(p, addr)); err != 0 {
		return -1
	}
	return 0
}

// create makes a new inode of typ at path inside the current
// operation and returns it locked. Opening an existing file through
// O_CREATE succeeds; an existing directory does not.
func (s *Sys) create(p *proc.Proc, path string, typ int16, major int16, minor int16) (*fs.Inode, defs.Err_t) {
	dp, name, err := s.fsys.NameiParent(p.Cwd, path)
	if err != 0 {
		return nil, err
	}
	s.fsys.Ilock(dp)

	if ip, _ := s.fsys.DirLookup(dp, name); ip != nil {
		s.fsys.Iunlockput(dp)
		s.fsys.Ilock(ip)
		if typ == defs.T_FILE && (ip.Type == defs.T_FILE || ip.Type == defs.T_DEVICE) {
			return ip, 0
		}
		s.fsys.Iunlockput(ip)
		return nil, defs.EEXIST
	}

	ip, err := s.fsys.Ialloc(dp.Dev, typ)
	if err != 0 {
		s.fsys.Iunlockput(dp)
		return nil, err
	}
	s.fsys.Ilock(ip)
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	s.fsys.Iupdate(ip)

	if typ == defs.T_DIR {
		// "." and ".." first; the parent's extra link comes from ".."
		if err := s.fsys.DirLink(ip, ".", ip.Inum); err != 0 {
			goto fail
		}
		if err := s.fsys.DirLink(ip, "..", dp.Inum); err != 0 {
			goto fail
		}
	}
	if err := s.fsys.DirLink(dp, name, ip.Inum); err != 0 {
		goto fail
	}
	if typ == defs.T_DIR {
		dp.Nlink++
		s.fsys.Iupdate(dp)
	}
	s.fsys.Iunlockput(dp)
	return ip, 0

fail:
	// undo the claim; nlink 0 frees it on the last put
	ip.Nlink = 0
	s.fsys.Iupdate(ip)
	s.fsys.Iunlockput(ip)
	s.fsys.Iunlockput(dp)
	return nil, defs.ENOSPC
}

func (s *Sys) sysOpen(p *proc.Proc) int64 {
	path, err := s.argStr(p, 0)
	if err != 0 {
		return -1
	}
	omode := argRaw(p, 1)

	log := s.fsys.Log()
	log.Begin()

	var ip *fs.Inode
	if omode&defs.O_CREATE != 0 {
		ip, err = s.create(p, path, defs.T_FILE, 0, 0)
		if err != 0 {
			log.End()
			return -1
		}
	} else {
		ip, err = s.fsys.Namei(p.Cwd, path)
		if err != 0 {
			log.End()
			return -1
		}
		s.fsys.Ilock(ip)
		if ip.Type == defs.T_DIR && omode != defs.O_RDONLY {
			s.fsys.Iunlockput(ip)
			log.End()
			return -1
		}
	}

	if ip.Type == defs.T_DEVICE && uint64(ip.Major) >= common.NDEV {
		s.fsys.Iunlockput(ip)
		log.End()
		return -1
	}

	f, err := s.ftab.Alloc()
	if err != 0 {
		s.fsys.Iunlockput(ip)
		log.End()
		return -1
	}
	fd, err := fdAlloc(p, f)
	if err != 0 {
		s.ftab.Close(f)
		s.fsys.Iunlockput(ip)
		log.End()
		return -1
	}

	if ip.Type == defs.T_DEVICE {
		f.Kind = file.FD_DEVICE
		f.Major = uint64(ip.Major)
	} else {
		f.Kind = file.FD_INODE
		f.Off = 0
	}
	f.Ip = ip
	f.Readable = omode&defs.O_WRONLY == 0
	f.Writable = omode&defs.O_WRONLY != 0 || omode&defs.O_RDWR != 0

	if omode&defs.O_TRUNC != 0 && ip.Type == defs.T_FILE {
		s.fsys.Itrunc(ip)
	}

	s.fsys.Iunlock(ip)
	log.End()
	return int64(fd)
}

func (s *Sys) sysMkdir(p *proc.Proc) int64 {
	path, err := s.argStr(p, 0)
	if err != 0 {
		return -1
	}
	log := s.fsys.Log()
	log.Begin()
	ip, err := s.create(p, path, defs.T_DIR, 0, 0)
	if err != 0 {
		log.End()
		return -1
	}
	s.fsys.Iunlockput(ip)
	log.End()
	return 0
}

func (s *Sys) sysMknod(p *proc.Proc) int64 {
	path, err := s.argStr(p, 0)
	if err != 0 {
		return -1
	}
	major := int16(argInt(p, 1))
	minor := int16(argInt(p, 2))
	log := s.fsys.Log()
	log.Begin()
	ip, err := s.create(p, path, defs.T_DEVICE, major, minor)
	if err != 0 {
		log.End()
		return -1
	}
	s.fsys.Iunlockput(ip)
	log.End()
	return 0
}

func (s *Sys) sysChdir(p *proc.Proc) int64 {
	path, err := s.argStr(p, 0)
	if err != 0 {
		return -1
	}
	log := s.fsys.Log()
	log.Begin()
	ip, err := s.fsys.Namei(p.Cwd, path)
	if err != 0 {
		log.End()
		return -1
	}
	s.fsys.Ilock(ip)
	if ip.Type != defs.T_DIR {
		s.fsys.Iunlockput(ip)
		log.End()
		return -1
	}
	s.fsys.Iunlock(ip)
	s.fsys.Iput(p.Cwd)
	log.End()
	p.Cwd = ip
	return 0
}

func (s *Sys) sysLink(p *proc.Proc) int64 {
	old, err := s.argStr(p, 0)
	if err != 0 {
		return -1
	}
	new, err := s.argStr(p, 1)
	if err != 0 {
		return -1
	}

	log := s.fsys.Log()
	log.Begin()
	ip, err := s.fsys.Namei(p.Cwd, old)
	if err != 0 {
		log.End()
		return -1
	}
	s.fsys.Ilock(ip)
	if ip.Type == defs.T_DIR {
		s.fsys.Iunlockput(ip)
		log.End()
		return -1
	}
	ip.Nlink++
	s.fsys.Iupdate(ip)
	s.fsys.Iunlock(ip)

	dp, name, err := s.fsys.NameiParent(p.Cwd, new)
	if err == 0 {
		s.fsys.Ilock(dp)
		if dp.Dev != ip.Dev {
			s.fsys.Iunlockput(dp)
			err = defs.EINVAL
		} else if lerr := s.fsys.DirLink(dp, name, ip.Inum); lerr != 0 {
			s.fsys.Iunlockput(dp)
			err = lerr
		} else {
			s.fsys.Iunlockput(dp)
		}
	}
	if err != 0 {
		// undo the extra link
		s.fsys.Ilock(ip)
		ip.Nlink--
		s.fsys.Iupdate(ip)
		s.fsys.Iunlockput(ip)
		log.End()
		return -1
	}
	s.fsys.Iput(ip)
	log.End()
	return 0
}

func (s *Sys) sysUnlink(p *proc.Proc) int64 {
	path, err := s.argStr(p, 0)
	if err != 0 {
		return -1
	}

	log := s.fsys.Log()
	log.Begin()
	dp, name, err := s.fsys.NameiParent(p.Cwd, path)
	if err != 0 {
		log.End()
		return -1
	}
	s.fsys.Ilock(dp)

	if name == "." || name == ".." {
		s.fsys.Iunlockput(dp)
		log.End()
		return -1
	}

	ip, off := s.fsys.DirLookup(dp, name)
	if ip == nil {
		s.fsys.Iunlockput(dp)
		log.End()
		return -1
	}
	s.fsys.Ilock(ip)
	if ip.Nlink < 1 {
		panic("unlink: nlink < 1")
	}
	if ip.Type == defs.T_DIR && !s.fsys.IsDirEmpty(ip) {
		s.fsys.Iunlockput(ip)
		s.fsys.Iunlockput(dp)
		log.End()
		return -1
	}

	s.fsys.DirErase(dp, off)
	if ip.Type == defs.T_DIR {
		dp.Nlink--
		s.fsys.Iupdate(dp)
	}
	s.fsys.Iunlockput(dp)

	ip.Nlink--
	s.fsys.Iupdate(ip)
	s.fsys.Iunlockput(ip)
	log.End()
	return 0
}

func (s *Sys) sysPipe(p *proc.Proc) int64 {
	fdarray := argAddr(p, 0)
	rf, wf, err := s.ftab.AllocPipe()
	if err != 0 {
		return -1
	}
	fd0, err := fdAlloc(p, rf)
	if err != 0 {
		s.ftab.Close(rf)
		s.ftab.Close(wf)
		return -1
	}
	fd1, err := fdAlloc(p, wf)
	if err != 0 {
		p.Ofile[fd0] = nil
		s.ftab.Close(rf)
		s.ftab.Close(wf)
		return -1
	}
	var b [8]byte
	machine.UInt32Put(b[0:4], uint32(fd0))
	machine.UInt32Put(b[4:8], uint32(fd1))
	if err := s.vm.CopyOut(p.Pagetable, fdarray, b[:]); err != 0 {
		p.Ofile[fd0] = nil
		p.Ofile[fd1] = nil
		s.ftab.Close(rf)
		s.ftab.Close(wf)
		return -1
	}
	return 0
}

func (s *Sys) sysExec(p *proc.Proc) int64 {
	if s.Exec == nil {
		return -1
	}
	path, err := s.argStr(p, 0)
	if err != 0 {
		return -1
	}
	// argv decoding is the loader's concern in this kernel; the
	// hook receives the raw pointer through the trapframe
	ret, err := s.Exec(p, path, nil)
	if err != 0 {
		return -1
	}
	return ret
}
