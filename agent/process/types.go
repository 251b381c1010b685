package process

import (
	"os"
	"time"
)

type Status string

const (
	StatusPrepared  Status = "prepared"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusError
}

// Identity is the user and group a command runs as.
type Identity struct {
	UID uint32
	GID uint32
}

// Stream describes one of a child's standard descriptors.
// At most one of File and Pipe is set. With neither, stdin reads from /dev/null and output is only kept in the history.
type Stream struct {
	// File is a descriptor received from the client. Execute takes ownership of it.
	File *os.File
	// Pipe asks the engine to create a pipe and hand the far end back in Pipes.
	Pipe bool
}

// Request describes a command to start.
type Request struct {
	// Command is the argv. Command[0] is resolved against PATH.
	Command []string
	Dir     string
	// Env replaces the daemon's environment when non-empty.
	Env      map[string]string
	Identity *Identity

	Stdin  Stream
	Stdout Stream
	Stderr Stream
}

func (r Request) files() []*os.File {
	var files []*os.File
	for _, s := range []Stream{r.Stdin, r.Stdout, r.Stderr} {
		if s.File != nil {
			files = append(files, s.File)
		}
	}
	return files
}

// Pipes holds the caller's ends of pipes requested with Stream.Pipe. The caller owns them.
type Pipes struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

func (p Pipes) Close() {
	for _, f := range []*os.File{p.Stdin, p.Stdout, p.Stderr} {
		if f != nil {
			f.Close()
		}
	}
}

// Info is a snapshot of an execution.
type Info struct {
	ID        string
	Seq       uint64
	Command   []string
	Status    Status
	PID       int
	StartTime time.Time
	EndTime   time.Time
	// ExitCode is nil until the execution is terminal.
	ExitCode *int
	// Signal is the signal that terminated the child, or 0.
	Signal int
	// Error describes why an execution ended in StatusError.
	Error string
}

// Event reports that an execution reached a terminal status.
type Event struct {
	ID       string
	Status   Status
	ExitCode int
}

type OutputStream string

const (
	Stdout OutputStream = "stdout"
	Stderr OutputStream = "stderr"
)

// Chunk is one read from a child's output. Index numbers chunks across both streams in arrival order.
type Chunk struct {
	Index  int
	Stream OutputStream
	Data   []byte
	Time   time.Time
}
