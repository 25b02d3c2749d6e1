package proc

import (
	"strings"
	"unsafe"

	"kepler/kernel"
	"kepler/kernel/mm/vmm"
	"kepler/kernel/vfs"
)

const (
	pathMax = 4096

	// userStackTop is the fixed top-of-stack address every task's initial
	// stack is built below; it sits well clear of the kernel's own
	// reserved high addresses.
	userStackTop = 0xbffff000
	userStackSz  = 8 * pageSize

	pageSize = 4096
)

var (
	errENoExec  = &kernel.Error{Module: "proc", Message: "unrecognized executable format"}
	errEAcces   = &kernel.Error{Module: "proc", Message: "permission denied"}
	errELoop    = &kernel.Error{Module: "proc", Message: "too many levels of interpreter recursion"}
	errENameTooLong = &kernel.Error{Module: "proc", Message: "shebang interpreter line exceeds PATH_MAX"}
	errUnrecoverable = &kernel.Error{Module: "proc", Message: "exec failed after address space teardown; task terminated"}
)

// Exec replaces t's memory image with the program at path, following at
// most one level of "#!" interpreter indirection. On success t.AddrSpace is
// the freshly built and already-activated address space and t.savedFrame's
// EIP/ESP point at the loaded entry point and initialized user stack.
func Exec(t *Task, path string, argv, envp []string) *kernel.Error {
	return execAt(t, path, argv, envp, 0)
}

func execAt(t *Task, path string, argv, envp []string, shebangDepth int) *kernel.Error {
	if shebangDepth > 1 {
		return errELoop
	}

	f, err := vfs.Open(path, vfs.ORdOnly, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if !vfs.ValidExecPermission(st, t.Creds.UID) {
		return errEAcces
	}

	// Read enough of the file to cover the longest shebang line this kernel
	// will accept; parseShebang relies on seeing a full over-length line (or
	// its absent trailing newline) to raise errENameTooLong, and a header
	// shorter than pathMax would silently parse a truncated interpreter path
	// instead. ELF detection only looks at the first four bytes, so a header
	// this size works for both cases.
	header := make([]byte, pathMax)
	n, err := f.Read(header, 0)
	if err != nil {
		return err
	}
	header = header[:n]

	if len(header) >= 2 && header[0] == '#' && header[1] == '!' {
		interp, interpArg, err := parseShebang(header)
		if err != nil {
			return err
		}
		var trailingArgs []string
		if len(argv) > 1 {
			trailingArgs = argv[1:]
		}
		newArgv := append([]string{interp, path}, trailingArgs...)
		if interpArg != "" {
			newArgv = append([]string{interp, interpArg, path}, trailingArgs...)
		}
		return execAt(t, interp, newArgv, envp, shebangDepth+1)
	}

	if !isELF(header) {
		return errENoExec
	}

	image := make([]byte, st.Size)
	if _, err := f.Read(image, 0); err != nil {
		return err
	}

	// Point of no return: once the old address space is torn down the task
	// can no longer resume its previous image on failure.
	if t.AddrSpace != nil {
		t.AddrSpace.Destroy()
		t.AddrSpace = nil
	}

	as, aerr := vmm.NewAddrSpace(0x08048000)
	if aerr != nil {
		Exit(t, -1)
		return errUnrecoverable
	}
	as.Activate()
	t.AddrSpace = as

	entry, aerr := loadELFSegments(as, image)
	if aerr != nil {
		Exit(t, -1)
		return errUnrecoverable
	}

	sp, aerr := buildUserStack(as, argv, envp)
	if aerr != nil {
		Exit(t, -1)
		return errUnrecoverable
	}

	if st.Mode&vfs.ModeSetUID != 0 {
		t.Creds.UID = st.UID
	}
	if st.Mode&vfs.ModeSetGID != 0 {
		t.Creds.GID = st.GID
	}

	t.savedFrame.EIP = uint32(entry)
	t.savedFrame.ESP = uint32(sp)

	return nil
}

// parseShebang extracts the interpreter path (and optional single argument)
// from the first line of a "#!" script header.
func parseShebang(header []byte) (interp, arg string, err *kernel.Error) {
	nl := -1
	for i, b := range header {
		if b == '\n' {
			nl = i
			break
		}
	}
	line := header
	if nl >= 0 {
		line = header[:nl]
	} else if len(header) >= pathMax {
		return "", "", errENameTooLong
	}
	if len(line) > pathMax {
		return "", "", errENameTooLong
	}

	rest := strings.TrimSpace(string(line[2:]))
	fields := strings.SplitN(rest, " ", 2)
	interp = fields[0]
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	if interp == "" {
		return "", "", errENoExec
	}
	return interp, arg, nil
}

// buildUserStack lays out argv and envp on a freshly committed stack region
// following, from high to low addresses: the argument and environment byte
// blocks, the NULL-terminated envp pointer array, the NULL-terminated argv
// pointer array, and finally the three words (argc, argv, envp) that a
// _start trampoline expects to find at the top of the stack when it calls
// into main.
func buildUserStack(as *vmm.AddrSpace, argv, envp []string) (sp uintptr, err *kernel.Error) {
	stackBase, aerr := as.MmapCommitted(userStackTop-userStackSz, userStackSz, true)
	if aerr != nil {
		return 0, aerr
	}
	top := stackBase + userStackSz

	cur := top
	writeString := func(s string) uintptr {
		b := append([]byte(s), 0)
		cur -= uintptr(len(b))
		pokeBytesFn(cur, b)
		return cur
	}

	argvAddrs := make([]uint32, len(argv))
	for i, s := range argv {
		argvAddrs[i] = uint32(writeString(s))
	}
	envpAddrs := make([]uint32, len(envp))
	for i, s := range envp {
		envpAddrs[i] = uint32(writeString(s))
	}

	cur &^= 0x3 // word-align before the pointer tables

	writePtrArray := func(addrs []uint32) uintptr {
		cur -= 4 // NULL terminator
		pokeU32Fn(cur, 0)
		for i := len(addrs) - 1; i >= 0; i-- {
			cur -= 4
			pokeU32Fn(cur, addrs[i])
		}
		return cur
	}

	envpArr := writePtrArray(envpAddrs)
	argvArr := writePtrArray(argvAddrs)

	cur -= 4
	pokeU32Fn(cur, uint32(envpArr))
	cur -= 4
	pokeU32Fn(cur, uint32(argvArr))
	cur -= 4
	pokeU32Fn(cur, uint32(len(argv)))

	return cur, nil
}

// pokeU32Fn writes a 32-bit word at addr; see pokeBytesFn for why this is a
// mockable function variable rather than a direct unsafe write.
var pokeU32Fn = func(addr uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(addr)) = v
}
