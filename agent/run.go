package agent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/guseggert/execbus/agent/redirect"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Stdio is the local end of a remote run. Nil fields are not connected.
type Stdio struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
	// PassFDs sends the descriptors to the executor, so the command uses them directly.
	// Otherwise the executor creates pipes and the client pumps them.
	PassFDs bool
}

// Run executes req with stdio connected and returns the remote exit code.
// The first SIGINT or SIGTERM delivered to this process while the command runs is forwarded to it once.
// Output is fully delivered before Run returns.
func (c *Client) Run(ctx context.Context, req ExecuteRequest, stdio Stdio) (int, error) {
	if stdio.PassFDs {
		req.Stdin = Stream{File: stdio.Stdin}
		req.Stdout = Stream{File: stdio.Stdout}
		req.Stderr = Stream{File: stdio.Stderr}
	} else {
		req.Stdin = Stream{Pipe: stdio.Stdin != nil}
		req.Stdout = Stream{Pipe: stdio.Stdout != nil}
		req.Stderr = Stream{Pipe: stdio.Stderr != nil}
	}

	x, err := c.Execute(ctx, req)
	if err != nil {
		return 0, err
	}
	log := c.Logger.With("ID", x.ID)

	pumps, err := c.pump(x, stdio, log)
	if err != nil {
		return 0, err
	}

	guard := &interruptGuard{
		log:  log,
		send: func(sig syscall.Signal) error { return x.SendSignal(ctx, sig) },
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	stopSigs := make(chan struct{})
	sigDone := make(chan struct{})
	go func() {
		defer close(sigDone)
		for {
			select {
			case s := <-sigs:
				guard.interrupt(s.(syscall.Signal))
			case <-stopSigs:
				return
			}
		}
	}()
	defer func() {
		signal.Stop(sigs)
		close(stopSigs)
		<-sigDone
	}()

	code, waitErr := x.WaitFor(ctx)

	// the command is gone, nothing reads stdin anymore
	if pumps.stdin != nil {
		pumps.stdin.Abort()
	}
	if waitErr != nil {
		pumps.abort()
	}
	if err := pumps.wait(); err != nil && waitErr == nil {
		return code, err
	}
	return code, waitErr
}

type runPumps struct {
	stdin  *redirect.Redirection
	output []*redirect.Redirection
}

func (p *runPumps) abort() {
	for _, r := range p.output {
		r.Abort()
	}
}

// wait joins the pumps. Only output write failures are errors: stdin may legitimately hit a closed pipe.
func (p *runPumps) wait() error {
	var g errgroup.Group
	if p.stdin != nil {
		g.Go(func() error {
			p.stdin.Wait()
			return nil
		})
	}
	for _, r := range p.output {
		r := r
		g.Go(func() error {
			outcome, err := r.Wait()
			if outcome == redirect.OutcomeWriteError || outcome == redirect.OutcomeReadError {
				return fmt.Errorf("forwarding output: %s: %w", outcome, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// pump starts redirections between the execution's pipes and the local stdio. The execution's pipe ends
// are handed over to the redirections.
func (c *Client) pump(x *Execution, stdio Stdio, log *zap.SugaredLogger) (*runPumps, error) {
	p := &runPumps{}
	fail := func(err error) (*runPumps, error) {
		x.Close()
		p.abort()
		if p.stdin != nil {
			p.stdin.Abort()
		}
		return nil, err
	}

	start := func(remote *os.File, local *os.File, name string) (*redirect.Redirection, error) {
		dup, err := dupFile(local, name)
		if err != nil {
			remote.Close()
			return nil, err
		}
		var src, dst *os.File
		if name == "stdin" {
			src, dst = dup, remote
		} else {
			src, dst = remote, dup
		}
		return redirect.Start(src, dst, redirect.WithLogger(log.Named(name)))
	}

	if x.Stdin != nil {
		r, err := start(x.Stdin, stdio.Stdin, "stdin")
		x.Stdin = nil
		if err != nil {
			return fail(err)
		}
		p.stdin = r
	}
	if x.Stdout != nil {
		r, err := start(x.Stdout, stdio.Stdout, "stdout")
		x.Stdout = nil
		if err != nil {
			return fail(err)
		}
		p.output = append(p.output, r)
	}
	if x.Stderr != nil {
		r, err := start(x.Stderr, stdio.Stderr, "stderr")
		x.Stderr = nil
		if err != nil {
			return fail(err)
		}
		p.output = append(p.output, r)
	}
	return p, nil
}

// dupFile duplicates f so a redirection can close its copy without closing the caller's.
func dupFile(f *os.File, name string) (*os.File, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("duplicating %s: %w", name, err)
	}
	nfd := -1
	var dupErr error
	err = rc.Control(func(fd uintptr) {
		nfd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	})
	if err == nil {
		err = dupErr
	}
	if err != nil {
		return nil, fmt.Errorf("duplicating %s: %w", name, err)
	}
	return os.NewFile(uintptr(nfd), f.Name()), nil
}

// interruptGuard forwards the first interrupt to the remote command and swallows the rest.
type interruptGuard struct {
	once sync.Once
	send func(syscall.Signal) error
	log  *zap.SugaredLogger
}

// interrupt forwards sig if nothing has been forwarded yet, and reports whether it did.
func (g *interruptGuard) interrupt(sig syscall.Signal) bool {
	sent := false
	g.once.Do(func() {
		sent = true
		g.log.Debugw("forwarding signal", "Signal", sig)
		if err := g.send(sig); err != nil {
			g.log.Debugw("error forwarding signal", "Signal", sig, "Error", err)
		}
	})
	return sent
}
