package defs

// On-disk and in-memory file types.
const (
	T_FREE    int16 = 0 // free on-disk inode slot
	T_DIR     int16 = 1 // directory
	T_FILE    int16 = 2 // regular file
	T_DEVICE  int16 = 3 // device node
	T_SYMLINK int16 = 4 // reserved for the symlink extension
)

// Device majors.
const (
	CONSOLE uint64 = 1
)

// Stat is the result of fstat, copied out to user space as five
// little-endian u64 fields: dev, ino, type, nlink, size.
type Stat struct {
	Dev   uint32
	Ino   uint32
	Type  int16
	Nlink int16
	Size  uint64
}

// STATSZ is the copied-out size of a Stat.
const STATSZ uint64 = 5 * 8
