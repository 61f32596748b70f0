package temporalrun

import (
	"context"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/duraflow/agentrun/internal/approval"
	"github.com/duraflow/agentrun/internal/eventbus"
	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/modelclient"
	"github.com/duraflow/agentrun/internal/tool"

	"github.com/duraflow/agentrun/internal/engine"
)

// WorkflowName is registered with the Temporal worker (internal/api/workers.go).
const WorkflowName = "RunEngineWorkflow"

// Deps are the dependencies a Temporal worker process wires once at
// startup and closes over when registering RunEngineWorkflow, mirroring
// what api.Server wires for the local HTTP-driven backend. They are not
// themselves part of the workflow's input (Temporal marshals workflow
// arguments to JSON, and these are live connections, not data), so they
// are bound into Workflow.Run as a method receiver instead.
type Deps struct {
	Store     *journal.Store
	Bus       *eventbus.Bus
	Approvals *approval.Registry
	Tools     *tool.Registry
	Model     modelclient.Client
	History   engine.HistoryBuilder
}

// Workflow closes over Deps so a worker can register Workflow.Run under
// WorkflowName without Temporal attempting to serialize live connections
// as workflow input.
type Workflow struct {
	deps Deps
}

func NewWorkflow(deps Deps) Workflow {
	return Workflow{deps: deps}
}

// Run drives a single run to a terminal or suspended state using
// Temporal as the durability backend instead of the local journal-only
// one: the workflow itself is the single writer Temporal already
// guarantees for a given workflow ID, so no separate journal lease is
// taken out.
//
// This is a deterministic Temporal workflow function: it must not perform
// any I/O directly. All I/O happens inside engine.DriveSync's calls to
// Executor.Run, which Temporal records as local activities.
func (w Workflow) Run(ctx workflow.Context, runID string) error {
	executor := NewExecutor(ctx)

	eng := engine.New(w.deps.Store, w.deps.Bus, w.deps.Approvals, w.deps.Tools, w.deps.Model, engine.Options{
		LeaseOwner:      "temporal:" + workflow.GetInfo(ctx).WorkflowExecution.RunID,
		LeaseTTL:        10 * time.Minute,
		DefaultMaxSteps: 25,
		History:         w.deps.History,
		Executor:        executor,
	})

	// workflow.Context is not a context.Context; DriveSync only threads it
	// through to cancellation checks and the generic DurableExecutor.Run
	// call, neither of which this backend uses the passed context for, so
	// a disconnected background context is sufficient here.
	return eng.DriveSync(context.Background(), runID)
}
