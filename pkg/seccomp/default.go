package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64", "preadv", "pwritev",
			"open", "openat", "openat2", "close", "close_range", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents", "getdents64",
			"sendfile", "copy_file_range",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "mincore", "msync", "mlock", "munlock",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"fork", "vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq", "membarrier",
		).
		AllowSyscalls(
			"futex", "futex_waitv",
			"gettid",
			"kill", "tgkill", "tkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend",
			"rt_sigtimedwait", "rt_sigqueueinfo",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday", "time",
			"nanosleep", "clock_nanosleep",
			"timer_create", "timer_settime", "timer_gettime", "timer_delete",
			"timerfd_create", "timerfd_settime", "timerfd_gettime",
		).
		AllowSyscalls(
			"getpid", "getppid", "getpgrp", "getpgid", "getsid", "setsid",
			"getuid", "geteuid", "getresuid",
			"getgid", "getegid", "getresgid", "getgroups",
			"uname",
			"getcwd",
			"getrusage", "times",
		).
		AllowSyscalls(
			"sched_yield", "sched_getaffinity", "sched_setaffinity",
			"sched_getparam", "sched_getscheduler", "sched_get_priority_max", "sched_get_priority_min",
			"getpriority", "setpriority",
		).
		AllowSyscalls(
			"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
			"eventfd", "eventfd2",
			"inotify_init1", "inotify_add_watch", "inotify_rm_watch",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "setrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"truncate", "ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"utimensat",
			"memfd_create",
		)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

// StrictProfile returns a deny-by-default profile with allowlisted syscalls
// for the Python, Node.js and JVM runtimes. No socket syscalls are allowed.
func StrictProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}
