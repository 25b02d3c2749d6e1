// Package vfs defines the contract that the process manager's exec
// implementation uses to load executables from a filesystem backend. No
// backend (ext2-like, procfs, devfs) lives in this package; it only pins
// down the interface that fork/exec and file descriptors are written
// against so that a backend can be plugged in without touching kernel/proc.
package vfs

import "kepler/kernel"

// OpenFlag mirrors the subset of POSIX open(2) flags the kernel understands.
type OpenFlag uint32

const (
	// ORdOnly opens a file for reading only.
	ORdOnly OpenFlag = 0
	// OWrOnly opens a file for writing only.
	OWrOnly OpenFlag = 1 << iota
	// OCreate creates the file if it does not already exist.
	OCreate
	// OTrunc truncates an existing file to zero length on open.
	OTrunc
)

// FileMode carries the permission and type bits of a file, matching the
// low bits of a POSIX st_mode value closely enough for valid_exec_permission
// checks and setuid/setgid detection.
type FileMode uint32

const (
	// ModeSetUID marks an executable that should run with its owner's uid.
	ModeSetUID FileMode = 1 << 11
	// ModeSetGID marks an executable that should run with its owner's gid.
	ModeSetGID FileMode = 1 << 10
)

const (
	modeExecBits FileMode = 0111

	modeExecOther FileMode = 1 << 0
	modeExecGroup FileMode = 1 << 3
	modeExecOwner FileMode = 1 << 6
)

// Stat describes the subset of file metadata exec/open care about.
type Stat struct {
	Size  int64
	Mode  FileMode
	UID   uint32
	GID   uint32
	IsDir bool
}

// IsExecutable reports whether any of the owner/group/other execute bits
// are set.
func (s Stat) IsExecutable() bool { return s.Mode&modeExecBits != 0 }

// File is a handle to an open file as returned by a backend's Open.
type File interface {
	// Read reads up to len(buf) bytes starting at offset without moving
	// any backend-side cursor; exec always addresses files by offset.
	Read(buf []byte, offset int64) (int, *kernel.Error)

	// Stat returns the metadata associated with the open file.
	Stat() (Stat, *kernel.Error)

	// Close releases the handle. Backends reference-count shared file
	// descriptors, so Close may be called once per Open/Dup pair.
	Close() *kernel.Error
}

// Backend is implemented by a mounted filesystem driver.
type Backend interface {
	// Open resolves path against the backend's root and returns a File
	// handle. Exec relies on Open never blocking for a regular file.
	Open(path string, flags OpenFlag, mode FileMode) (File, *kernel.Error)
}

var (
	// ErrNotDir is returned when a path component that should be a
	// directory is not one.
	ErrNotDir = &kernel.Error{Module: "vfs", Message: "not a directory"}

	// ErrNoEnt is returned when a path does not resolve to any file.
	ErrNoEnt = &kernel.Error{Module: "vfs", Message: "no such file or directory"}

	// ErrAccess is returned when the caller lacks permission for the
	// requested operation.
	ErrAccess = &kernel.Error{Module: "vfs", Message: "permission denied"}

	// ErrBadFd is returned when an operation targets a closed or
	// out-of-range file descriptor.
	ErrBadFd = &kernel.Error{Module: "vfs", Message: "bad file descriptor"}

	// root is the backend mounted at "/". Backends are registered by the
	// driver that owns them; the core kernel never constructs one itself.
	root Backend
)

// SetRootBackend installs the backend that Open resolves paths against. It
// is called once during boot by whichever filesystem driver is wired in.
func SetRootBackend(b Backend) { root = b }

// Open resolves path against the currently mounted root backend.
func Open(path string, flags OpenFlag, mode FileMode) (File, *kernel.Error) {
	if root == nil {
		return nil, ErrNoEnt
	}
	return root.Open(path, flags, mode)
}

// ValidExecPermission checks whether a task with the given effective uid
// may execute the file described by st. The owner-exec bit only grants
// permission to the file's own owner; group and other callers fall back to
// the coarser group/other exec bits since no effective gid is threaded
// through exec's caller yet.
func ValidExecPermission(st Stat, effectiveUID uint32) bool {
	if st.IsDir {
		return false
	}
	if st.UID == effectiveUID {
		return st.Mode&modeExecOwner != 0
	}
	return st.Mode&(modeExecGroup|modeExecOther) != 0
}
