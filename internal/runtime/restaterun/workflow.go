package restaterun

import (
	restate "github.com/restatedev/sdk-go"

	"github.com/duraflow/agentrun/internal/approval"
	"github.com/duraflow/agentrun/internal/eventbus"
	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/modelclient"
	"github.com/duraflow/agentrun/internal/tool"

	"github.com/duraflow/agentrun/internal/engine"
)

// Deps are the dependencies a Restate service process wires once at
// startup, mirroring temporalrun.Deps.
type Deps struct {
	Store     *journal.Store
	Bus       *eventbus.Bus
	Approvals *approval.Registry
	Tools     *tool.Registry
	Model     modelclient.Client
	History   engine.HistoryBuilder
}

// RunInput is the Restate workflow input: the id of an already-created,
// pending run (run creation still goes through the ordinary
// journal.Store.CreateRun call before the Restate workflow is invoked).
type RunInput struct {
	RunID string `json:"runId"`
}

// RunOutput reports whether the run reached a terminal state cleanly.
type RunOutput struct {
	Error string `json:"error,omitempty"`
}

// Workflow binds Deps to a restate.Reflect-compatible handler (per
// restatedev/sdk-go's reflection-based service registration).
type Workflow struct {
	deps Deps
}

// NewWorkflow constructs the Restate-bound workflow object; bind it with
// server.NewRestate().Bind(restate.Reflect(workflow)) in the service
// process's main.
func NewWorkflow(deps Deps) Workflow {
	return Workflow{deps: deps}
}

// Run drives one run to a terminal or suspended state using Restate as
// the durability backend, the Restate counterpart of
// temporalrun.Workflow.Run.
func (w Workflow) Run(ctx restate.WorkflowContext, input RunInput) (RunOutput, error) {
	executor := NewExecutor(ctx)

	eng := engine.New(w.deps.Store, w.deps.Bus, w.deps.Approvals, w.deps.Tools, w.deps.Model, engine.Options{
		LeaseOwner: "restate:" + input.RunID,
		History:    w.deps.History,
		Executor:   executor,
	})

	if err := eng.DriveSync(ctx, input.RunID); err != nil {
		return RunOutput{Error: err.Error()}, err
	}
	return RunOutput{}, nil
}
