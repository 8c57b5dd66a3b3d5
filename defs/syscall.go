package defs

// Syscall numbers, read from the a7 register at trap time.
const (
	SYS_fork   uint64 = 1
	SYS_exit   uint64 = 2
	SYS_wait   uint64 = 3
	SYS_pipe   uint64 = 4
	SYS_read   uint64 = 5
	SYS_kill   uint64 = 6
	SYS_exec   uint64 = 7
	SYS_fstat  uint64 = 8
	SYS_chdir  uint64 = 9
	SYS_dup    uint64 = 10
	SYS_getpid uint64 = 11
	SYS_sbrk   uint64 = 12
	SYS_sleep  uint64 = 13
	SYS_uptime uint64 = 14
	SYS_open   uint64 = 15
	SYS_write  uint64 = 16
	SYS_mknod  uint64 = 17
	SYS_unlink uint64 = 18
	SYS_link   uint64 = 19
	SYS_mkdir  uint64 = 20
	SYS_close  uint64 = 21
)

// open() mode bits.
const (
	O_RDONLY uint64 = 0x000
	O_WRONLY uint64 = 0x001
	O_RDWR   uint64 = 0x002
	O_CREATE uint64 = 0x200
	O_TRUNC  uint64 = 0x400
)
