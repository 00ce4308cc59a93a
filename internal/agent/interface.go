// Package agent defines the executors a todo is dispatched to: named agents
// that answer a prompt, and the registry that maps agent ids to factories.
package agent

import (
	"context"
	"fmt"
)

// Response is what an executor returns for one call.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err converts an unsuccessful response into an error.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return fmt.Errorf("executor reported failure")
	}
	return fmt.Errorf("%s", r.Error)
}

// Agent answers prompts.
type Agent interface {
	// Name returns the agent identifier.
	Name() string

	// Run produces a response for prompt. It must honor ctx cancellation.
	Run(ctx context.Context, prompt string) (Response, error)
}

// Executor runs a prompt on the agent with the given id.
type Executor interface {
	RunAgent(ctx context.Context, agentID, prompt string) (Response, error)
}

// RegistryExecutor resolves agent ids through Registry, or Default when nil.
type RegistryExecutor struct {
	Registry *Registry
}

// RunAgent implements Executor.
func (e RegistryExecutor) RunAgent(ctx context.Context, agentID, prompt string) (Response, error) {
	reg := e.Registry
	if reg == nil {
		reg = Default
	}
	a, err := reg.Get(agentID)
	if err != nil {
		return Response{}, err
	}
	return a.Run(ctx, prompt)
}
