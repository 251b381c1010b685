/*
Package process starts commands on behalf of remote clients and tracks them from start to exit.

An Engine turns a Request into an Execution. Each execution moves through these states:

	prepared -> running -> completed | aborted
	prepared -> error

Executions are never reused. An execution is aborted when a terminating signal was delivered through Kill or Abort before it exited; otherwise a finished execution is completed, whatever its exit code. A child killed by a signal reports 128 plus the signal number, as shells do.

A child's stdout and stderr always go through pipes owned by the engine. A redirection pumps each pipe to its destination and records what passes in a bounded output history. An execution only becomes terminal after both pumps finish, so a client that sees the exit code has already received all the output. Pumps still running when the drain timeout after exit expires are aborted; this happens when a child leaves descendants that hold the pipes open.

Signals go to the child's process group. The engine knows when the group leader has exited before reaping it, so a signal never reaches a process group that reused the id.

The Registry holds executions in insertion order and applies the retention policy. It never evicts an execution that is not terminal.
*/
package process
