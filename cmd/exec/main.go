package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/guseggert/execbus/agent"
	"github.com/guseggert/execbus/agent/inspect"
	"github.com/guseggert/execbus/agent/process"
	"github.com/guseggert/execbus/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// exitUnavailable is EX_UNAVAILABLE from sysexits.h.
const exitUnavailable = 69

func main() {
	app := &cli.App{
		Name:      "exec",
		Usage:     "run a command through the executor daemon",
		UsageText: "exec [flags] -- <command> [args...]\nexec <subcommand> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file. Defaults to the nearest " + config.FileName + ", if any.",
			},
			&cli.StringFlag{
				Name:    "socket",
				Usage:   "The executor socket path.",
				EnvVars: []string{config.SocketEnv},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log protocol traffic to stderr.",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "The working directory of the command. Defaults to the current directory.",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "KEY=VALUE pairs set on top of this process's environment, which the command gets by default.",
			},
			&cli.BoolFlag{
				Name:  "daemon-env",
				Usage: "Run the command with the daemon's environment instead of this process's. Cannot be combined with --env.",
			},
			&cli.UintFlag{
				Name:  "uid",
				Usage: "The uid to run as. Only root may choose another uid.",
			},
			&cli.UintFlag{
				Name:  "gid",
				Usage: "The gid to run as. Only root may choose another gid.",
			},
			&cli.BoolFlag{
				Name:  "pass-fds",
				Usage: "Hand this process's stdio to the command instead of forwarding it.",
			},
			&cli.BoolFlag{
				Name:  "no-stdin",
				Usage: "Do not connect stdin.",
			},
		},
		Action: runCommand,
		Commands: []*cli.Command{
			{
				Name:   "runs",
				Usage:  "list runs",
				Action: listRuns,
			},
			{
				Name:      "info",
				Usage:     "print a run as JSON",
				ArgsUsage: "<id>",
				Action:    info,
			},
			{
				Name:      "logs",
				Usage:     "print a run's buffered output",
				ArgsUsage: "<id>",
				Action:    logs,
			},
			{
				Name:      "kill",
				Usage:     "send a signal to a run",
				ArgsUsage: "<id> [signal]",
				Action:    kill,
			},
			{
				Name:      "abort",
				Usage:     "terminate a run, escalating to SIGKILL",
				ArgsUsage: "<id>",
				Action:    abort,
			},
			{
				Name:      "wait",
				Usage:     "wait for a run and exit with its exit code",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "strict",
						Usage: "Fail instead of returning the exit code when the run was killed or aborted.",
					},
				},
				Action: wait,
			},
			{
				Name:   "cleanup",
				Usage:  "apply the retention policy now and print run counts",
				Action: cleanup,
			},
			{
				Name:      "follow",
				Usage:     "stream a run's output from the inspection server",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "http-addr",
						Usage: "The inspection server address. Defaults to http_addr from the config.",
					},
					&cli.IntFlag{
						Name:  "start",
						Usage: "The output chunk index to start at.",
					},
				},
				Action: follow,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "exec: %s\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, process.ErrCommandNotFound):
		return 127
	case errors.Is(err, agent.ErrUnavailable):
		return exitUnavailable
	default:
		return 1
	}
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if ctx.IsSet("socket") {
		cfg.Socket = ctx.String("socket")
	}
	return cfg, nil
}

func connect(ctx *cli.Context) (*agent.Client, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	var opts []agent.ClientOption
	if ctx.Bool("debug") {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithClientLogger(l))
	}
	return agent.Connect(ctx.Context, cfg.ClientSocketPath(), opts...)
}

func idArg(ctx *cli.Context) (string, error) {
	id := ctx.Args().First()
	if id == "" {
		return "", fmt.Errorf("missing run id")
	}
	return id, nil
}

func runCommand(ctx *cli.Context) error {
	command := ctx.Args().Slice()
	if len(command) == 0 {
		return cli.ShowAppHelp(ctx)
	}

	req, err := executeRequest(command, requestOptions{
		dir:       ctx.String("dir"),
		env:       ctx.StringSlice("env"),
		daemonEnv: ctx.Bool("daemon-env"),
		getwd:     os.Getwd,
		environ:   os.Environ,
	})
	if err != nil {
		return err
	}
	if ctx.IsSet("uid") {
		uid := uint32(ctx.Uint("uid"))
		req.UID = &uid
	}
	if ctx.IsSet("gid") {
		gid := uint32(ctx.Uint("gid"))
		req.GID = &gid
	}

	stdio := agent.Stdio{
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		PassFDs: ctx.Bool("pass-fds"),
	}
	if ctx.Bool("no-stdin") {
		stdio.Stdin = nil
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	code, err := c.Run(ctx.Context, req, stdio)
	if err != nil {
		return err
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func listRuns(ctx *cli.Context) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	runs, err := c.ListRuns(ctx.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tSTATUS\tEXIT\tSTARTED\tCOMMAND")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Seq, r.ID, r.Status, exit, r.StartTime.Local().Format(time.DateTime), strings.Join(r.Command, " "))
	}
	return w.Flush()
}

func info(ctx *cli.Context) error {
	id, err := idArg(ctx)
	if err != nil {
		return err
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	run, err := c.Execution(id).Info(ctx.Context)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

func logs(ctx *cli.Context) error {
	id, err := idArg(ctx)
	if err != nil {
		return err
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	x := c.Execution(id)
	start := 0
	for {
		res, err := x.OutputHistory(ctx.Context, start, 0)
		if err != nil {
			return err
		}
		for _, chunk := range res.Chunks {
			out := os.Stdout
			if chunk.Stream == string(process.Stderr) {
				out = os.Stderr
			}
			if _, err := out.Write(chunk.Data); err != nil {
				return err
			}
		}
		// a live run has no more buffered output for now
		if res.Done || res.Next == start {
			return nil
		}
		start = res.Next
	}
}

// parseSignal accepts a number or a name with or without the SIG prefix.
func parseSignal(s string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

func kill(ctx *cli.Context) error {
	id, err := idArg(ctx)
	if err != nil {
		return err
	}
	sig := syscall.SIGTERM
	if s := ctx.Args().Get(1); s != "" {
		sig, err = parseSignal(s)
		if err != nil {
			return err
		}
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Execution(id).SendSignal(ctx.Context, sig)
}

func abort(ctx *cli.Context) error {
	id, err := idArg(ctx)
	if err != nil {
		return err
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Execution(id).Abort(ctx.Context)
}

func wait(ctx *cli.Context) error {
	id, err := idArg(ctx)
	if err != nil {
		return err
	}
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	x := c.Execution(id)
	waitFn := x.WaitRemote
	if ctx.Bool("strict") {
		waitFn = x.WaitSucceeded
	}
	code, err := waitFn(ctx.Context)
	if err != nil {
		return err
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func cleanup(ctx *cli.Context) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	removed, err := c.Cleanup(ctx.Context)
	if err != nil {
		return err
	}
	stats, err := c.CleanupStats(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d runs\n", removed)
	fmt.Printf("total %d: prepared %d, running %d, completed %d, aborted %d, error %d\n",
		stats.Total, stats.Prepared, stats.Running, stats.Completed, stats.Aborted, stats.Error)
	return nil
}

func follow(ctx *cli.Context) error {
	id, err := idArg(ctx)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	addr := cfg.HTTPAddr
	if ctx.IsSet("http-addr") {
		addr = ctx.String("http-addr")
	}
	if addr == "" {
		return errors.New("no inspection server address, set --http-addr or http_addr in the config")
	}

	var opts []inspect.ClientOption
	if ctx.Bool("debug") {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		opts = append(opts, inspect.WithClientLogger(l))
	}
	if cfg.HTTPTLSDir != "" {
		tlsConfig, err := inspect.LoadClientTLS(cfg.HTTPTLSDir)
		if err != nil {
			return err
		}
		opts = append(opts, inspect.WithClientTLS(tlsConfig))
	}
	client := inspect.NewClient(addr, opts...)

	waitCtx, cancel := context.WithTimeout(ctx.Context, 5*time.Second)
	defer cancel()
	if err := client.WaitForServer(waitCtx); err != nil {
		return fmt.Errorf("%w: inspection server at %s: %v", agent.ErrUnavailable, addr, err)
	}

	final, err := client.Follow(ctx.Context, id, ctx.Int("start"), os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if final.ExitCode != 0 {
		return cli.Exit("", final.ExitCode)
	}
	return nil
}
