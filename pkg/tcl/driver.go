package tcl

import (
	"context"
	"fmt"
	"strings"
)

// Conn is an opaque database handle produced by a Driver. The pool only ever closes it.
type Conn interface {
	Close() error
}

// Driver opens handles to the pool's database file.
type Driver interface {
	Open(ctx context.Context, options OpenOptions) (Conn, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, options OpenOptions) (Conn, error)

// Open calls f.
func (f DriverFunc) Open(ctx context.Context, options OpenOptions) (Conn, error) {
	return f(ctx, options)
}

// CorruptionChecker is implemented by drivers that can tell whether a handle has seen
// its underlying storage go corrupt. The pool asks on every Checkin.
type CorruptionChecker interface {
	IsCorrupt(conn Conn) bool
}

// CorruptionDetector is implemented by drivers that can classify an error as a corruption report.
// Errors returned through ConnectionHost.Do are run through it.
type CorruptionDetector interface {
	IsCorruption(err error) bool
}

// OpenOptions are forwarded to the Driver when a new connection is created.
// Changing the pool's settings affects only connections opened afterwards.
type OpenOptions struct {
	Path            string
	Flags           OpenFlags
	SharedCache     bool
	CacheStatements bool
	Pragmas         []string
}

// OpenFlags describe how the database file is opened.
type OpenFlags uint32

// Open flags understood by the bundled drivers.
const (
	OpenReadOnly OpenFlags = 1 << iota
	OpenReadWrite
	OpenCreate
	OpenURI
	OpenMemory
	OpenNoMutex
	OpenWAL
)

var openFlagNames = []struct {
	name string
	flag OpenFlags
}{
	{"readonly", OpenReadOnly},
	{"readwrite", OpenReadWrite},
	{"create", OpenCreate},
	{"uri", OpenURI},
	{"memory", OpenMemory},
	{"nomutex", OpenNoMutex},
	{"wal", OpenWAL},
}

// ParseOpenFlags converts flag names (case insensitive) into OpenFlags.
// No names yields OpenReadWrite|OpenCreate.
func ParseOpenFlags(names ...string) (OpenFlags, error) {
	if len(names) == 0 {
		return OpenReadWrite | OpenCreate, nil
	}

	var flags OpenFlags
NameLoop:
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		for _, known := range openFlagNames {
			if known.name == name {
				flags |= known.flag
				continue NameLoop
			}
		}

		return 0, fmt.Errorf("unknown open flag %q", name)
	}

	if flags.Has(OpenReadOnly) && flags.Has(OpenReadWrite) {
		return 0, fmt.Errorf("open flags readonly and readwrite are exclusive")
	}

	return flags, nil
}

// Has reports whether every bit of flag is set.
func (f OpenFlags) Has(flag OpenFlags) bool {
	return f&flag == flag
}

func (f OpenFlags) String() string {
	names := make([]string, 0, len(openFlagNames))
	for _, known := range openFlagNames {
		if f.Has(known.flag) {
			names = append(names, known.name)
		}
	}

	return strings.Join(names, "|")
}

// Delegate is the pool's single owner hook. ConnectionCreated runs synchronously on the
// goroutine that triggered the open, before the handle is handed out; returning an error
// discards the handle and fails the Checkout.
type Delegate interface {
	ConnectionCreated(conn Conn) error
	CorruptionOccurred(pool *ConnectionPool)
}

// Observer is told whenever a connection in the pool reports corruption.
// Observers are compared by identity, so implement it on a pointer type.
type Observer interface {
	CorruptionOccurred(pool *ConnectionPool)
}
