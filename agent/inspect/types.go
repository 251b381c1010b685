package inspect

import (
	"time"

	"github.com/guseggert/execbus/agent/process"
)

// readLimit bounds a single WebSocket message on the follow stream.
const readLimit = 32768

// Run is the JSON view of an execution.
type Run struct {
	ID        string
	Seq       uint64
	Command   []string
	Status    string
	PID       int       `json:",omitempty"`
	StartTime time.Time `json:",omitempty"`
	EndTime   time.Time `json:",omitempty"`
	ExitCode  *int      `json:",omitempty"`
	Signal    int       `json:",omitempty"`
	Error     string    `json:",omitempty"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool {
	return process.Status(r.Status).Terminal()
}

func runFromInfo(info process.Info) Run {
	return Run{
		ID:        info.ID,
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

type HealthResponse struct {
	PID  int
	Runs int
}

type CleanupResponse struct {
	Removed int
}

// OutputMessage is one message on the follow stream. The last message on a stream has Done set
// and carries the run's final status instead of data.
type OutputMessage struct {
	Index  int       `json:",omitempty"`
	Stream string    `json:",omitempty"`
	Data   []byte    `json:",omitempty"`
	Time   time.Time `json:",omitempty"`

	Done     bool   `json:",omitempty"`
	Status   string `json:",omitempty"`
	ExitCode int    `json:",omitempty"`
}
