package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// EchoAgent answers with the prompt itself. It is registered as "echo" and
// is handy for dry runs of a plan.
type EchoAgent struct{}

// Name implements Agent.
func (EchoAgent) Name() string { return "echo" }

// Run implements Agent.
func (EchoAgent) Run(ctx context.Context, prompt string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return Response{Success: true, Data: prompt}, nil
}

// CommandAgent pipes the prompt to an external command on stdin and returns
// its trimmed stdout. A non-zero exit is a failed response carrying stderr.
type CommandAgent struct {
	ID      string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Name implements Agent.
func (a *CommandAgent) Name() string { return a.ID }

// Run implements Agent.
func (a *CommandAgent) Run(ctx context.Context, prompt string) (Response, error) {
	if a.Command == "" {
		return Response{}, fmt.Errorf("agent %s has no command", a.ID)
	}
	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Dir = a.Dir
	if len(a.Env) > 0 {
		cmd.Env = append(cmd.Environ(), a.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Response{Success: false, Error: msg}, nil
	}
	return Response{Success: true, Data: strings.TrimSpace(stdout.String())}, nil
}

// RegisterCommand registers a CommandAgent under id in r.
func (r *Registry) RegisterCommand(id, command string, args, env []string, dir string) {
	r.Register(id, func() Agent {
		return &CommandAgent{ID: id, Command: command, Args: args, Env: env, Dir: dir}
	})
}

// RegisterCommand registers a CommandAgent in the Default registry.
func RegisterCommand(id, command string, args, env []string, dir string) {
	Default.RegisterCommand(id, command, args, env, dir)
}

func init() {
	Register("echo", func() Agent { return EchoAgent{} })
}
