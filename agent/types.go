package agent

import (
	"os"
	"time"

	"github.com/guseggert/execbus/agent/process"
)

const (
	// ServiceName is the well-known name of the executor service.
	ServiceName = "org.example.Executor"
	// RootPath is the object path of the executor itself. Executions live under it.
	RootPath = "/Executor"
)

// Methods on RootPath.
const (
	MethodExecute         = "Execute"
	MethodListRuns        = "ListRuns"
	MethodCleanupOldRuns  = "CleanupOldRuns"
	MethodGetCleanupStats = "GetCleanupStats"
	MethodRemoveRun       = "RemoveRun"
	MethodGetLastRunID    = "GetLastRunId"
	MethodPing            = "Ping"
)

// Methods on execution paths.
const (
	MethodSendSignal       = "SendSignal"
	MethodAbort            = "Abort"
	MethodWaitFor          = "WaitFor"
	MethodGetInfo          = "GetInfo"
	MethodGetOutputHistory = "GetOutputHistory"
	MethodSubscribe        = "Subscribe"
)

// SignalCompleted is emitted on an execution's path when it becomes terminal,
// to every connection that started the execution or subscribed to it.
const SignalCompleted = "Completed"

// StreamMode says how one of stdin, stdout, or stderr is provided in an Execute call.
type StreamMode string

const (
	// StreamNone connects stdin to /dev/null, or keeps output only in the server's history.
	StreamNone StreamMode = ""
	// StreamFD means a descriptor is attached to the call.
	StreamFD StreamMode = "fd"
	// StreamPipe asks the server to create a pipe and attach the client's end to the reply.
	StreamPipe StreamMode = "pipe"
)

// ExecuteParams is the body of an Execute call.
// Attached descriptors appear in the order stdin, stdout, stderr, for streams in StreamFD mode.
type ExecuteParams struct {
	Command []string
	Dir     string            `cbor:",omitempty"`
	Env     map[string]string `cbor:",omitempty"`
	// UID and GID select the identity to run as. Unset fields default to the caller's.
	UID *uint32 `cbor:",omitempty"`
	GID *uint32 `cbor:",omitempty"`

	Stdin  StreamMode `cbor:",omitempty"`
	Stdout StreamMode `cbor:",omitempty"`
	Stderr StreamMode `cbor:",omitempty"`
}

// ExecuteResult is the body of an Execute reply.
// Pipe ends are attached in the order stdin, stdout, stderr, for streams requested in StreamPipe mode.
type ExecuteResult struct {
	ID   string
	Path string
}

type RunInfo struct {
	ID        string
	Path      string
	Seq       uint64
	Command   []string
	Status    string
	PID       int       `cbor:",omitempty"`
	StartTime time.Time `cbor:",omitempty"`
	EndTime   time.Time `cbor:",omitempty"`
	ExitCode  *int      `cbor:",omitempty"`
	Signal    int       `cbor:",omitempty"`
	Error     string    `cbor:",omitempty"`
}

// Terminal reports whether the run has finished.
func (r RunInfo) Terminal() bool {
	return process.Status(r.Status).Terminal()
}

type ListRunsResult struct {
	Runs []RunInfo
}

type CleanupResult struct {
	Removed int
}

type CleanupStats struct {
	Total     int
	Prepared  int
	Running   int
	Completed int
	Aborted   int
	Error     int

	MaxAge       time.Duration
	MaxCompleted int
	MaxTotal     int
	Interval     time.Duration
}

type RemoveRunParams struct {
	ID string
}

type RemoveRunResult struct {
	Removed bool
}

type LastRunResult struct {
	Found bool
	ID    string `cbor:",omitempty"`
	Path  string `cbor:",omitempty"`
}

type PingResult struct {
	Service string
	PID     int
}

type SignalParams struct {
	Signal int
}

// WaitForParams is optional. With Strict set, an aborted execution is reported as an Aborted error.
type WaitForParams struct {
	Strict bool
}

type WaitForResult struct {
	ExitCode int
	Status   string
}

type OutputHistoryParams struct {
	Start int
	// Max bounds the number of chunks returned. Zero means the server's page size.
	Max int `cbor:",omitempty"`
}

type OutputChunk struct {
	Index  int
	Stream string
	Data   []byte
	Time   time.Time
}

type OutputHistoryResult struct {
	Chunks []OutputChunk
	// Next is the Start to ask for next.
	Next int
	// Done is true when the execution is terminal and every chunk has been returned.
	Done bool
}

// CompletedSignal is the body of a Completed signal.
type CompletedSignal struct {
	ID       string
	Path     string
	Status   string
	ExitCode int
}

// Stream is how the client provides one of stdin, stdout, or stderr.
// With neither field set, the stream is not connected.
type Stream struct {
	// File is sent to the server, which takes its own copy. The caller keeps ownership of File.
	File *os.File
	// Pipe asks the server for a pipe. Its client end ends up in the Execution.
	Pipe bool
}

func (s Stream) mode() StreamMode {
	switch {
	case s.File != nil:
		return StreamFD
	case s.Pipe:
		return StreamPipe
	default:
		return StreamNone
	}
}

// ExecuteRequest is a command to run remotely.
type ExecuteRequest struct {
	Command []string
	Dir     string
	Env     map[string]string
	UID     *uint32
	GID     *uint32

	Stdin  Stream
	Stdout Stream
	Stderr Stream
}

func runInfo(x *process.Execution) RunInfo {
	info := x.Info()
	return RunInfo{
		ID:        info.ID,
		Path:      ExecutionPath(info.ID),
		Seq:       info.Seq,
		Command:   info.Command,
		Status:    string(info.Status),
		PID:       info.PID,
		StartTime: info.StartTime,
		EndTime:   info.EndTime,
		ExitCode:  info.ExitCode,
		Signal:    info.Signal,
		Error:     info.Error,
	}
}
