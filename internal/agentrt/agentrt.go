// Package agentrt defines the agent runtime collaborator: the thing that
// actually runs an LLM-driven agent and executes tools on its behalf.
package agentrt

import (
	"context"

	"github.com/cswenor/conductor/internal/cancel"
	"github.com/cswenor/conductor/internal/model"
)

// Role names the agent persona invoked for a run phase (planner, coder,
// reviewer, ...). Left as a string rather than an enum since the set is
// owned by the routing/classifier layer, not the core.
type Role string

// ToolResultMeta is what executeTool returns about a completed tool run.
// ExitCode is the ground truth the tests_pass gate trusts over any agent
// narrative.
type ToolResultMeta struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner runs an agent against a run and executes tools on its behalf.
type Runner interface {
	RunAgent(ctx context.Context, run *model.Run, role Role, taskContext []byte, token *cancel.Token) (*model.Artifact, error)
	ExecuteTool(ctx context.Context, toolInvocationID string, args []byte) (ToolResultMeta, error)
}

// ToolInvocationStore resolves a tool_invocation_id to its recorded result,
// the read path the tests_pass gate uses to fetch ground truth.
type ToolInvocationStore interface {
	ToolInvocationResult(toolInvocationID string) (exitCode int, ok bool, err error)
}
