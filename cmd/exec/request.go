package main

import (
	"fmt"
	"strings"

	"github.com/guseggert/execbus/agent"
)

type requestOptions struct {
	dir       string
	env       []string
	daemonEnv bool

	getwd   func() (string, error)
	environ func() []string
}

// executeRequest builds the request for command. Unless told otherwise, the command runs in the caller's
// working directory with the caller's environment, and --env pairs override single variables.
func executeRequest(command []string, opts requestOptions) (agent.ExecuteRequest, error) {
	req := agent.ExecuteRequest{Command: command, Dir: opts.dir}
	if req.Dir == "" {
		wd, err := opts.getwd()
		if err != nil {
			return agent.ExecuteRequest{}, fmt.Errorf("getting working directory: %w", err)
		}
		req.Dir = wd
	}

	if opts.daemonEnv {
		if len(opts.env) > 0 {
			return agent.ExecuteRequest{}, fmt.Errorf("--env cannot be combined with --daemon-env")
		}
		return req, nil
	}
	req.Env = map[string]string{}
	for _, kv := range opts.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			req.Env[k] = v
		}
	}
	for _, kv := range opts.env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return agent.ExecuteRequest{}, fmt.Errorf("invalid --env %q, expected KEY=VALUE", kv)
		}
		req.Env[k] = v
	}
	return req, nil
}
