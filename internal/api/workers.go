package api

import (
	"context"
	"log"

	restate "github.com/restatedev/sdk-go"
	"github.com/restatedev/sdk-go/server"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/duraflow/agentrun/internal/runtime/restaterun"
	"github.com/duraflow/agentrun/internal/runtime/temporalrun"
)

// StartTemporalWorker runs a Temporal worker that drives runs assigned to
// the "temporal" backend. The workflow ID is the run ID, so Temporal's own
// single-active-execution guarantee stands in for the local backend's
// journal lease.
func (s *Server) StartTemporalWorker() {
	tracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{})
	if err != nil {
		log.Fatalln("unable to create tracing interceptor", err)
	}

	cli, err := client.Dial(client.Options{
		HostPort:     s.conf.TEMPORAL_SERVER_HOST_PORT,
		Interceptors: []interceptor.ClientInterceptor{tracingInterceptor},
	})
	if err != nil {
		log.Fatalf("failed to connect to temporal: %v", err)
	}
	defer cli.Close()

	wf := temporalrun.NewWorkflow(temporalrun.Deps{
		Store:     s.store,
		Bus:       s.bus,
		Approvals: s.approvals,
		Tools:     s.tools,
		Model:     s.model,
		History:   s.history,
	})

	w := worker.New(cli, s.conf.TEMPORAL_TASK_QUEUE, worker.Options{})
	w.RegisterWorkflowWithOptions(wf.Run, workflow.RegisterOptions{Name: temporalrun.WorkflowName})

	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("failed to run temporal worker: %v", err)
	}
}

// StartRestateWorker binds the run engine workflow to a Restate service
// endpoint that drives runs assigned to the "restate" backend.
func (s *Server) StartRestateWorker() {
	wf := restaterun.NewWorkflow(restaterun.Deps{
		Store:     s.store,
		Bus:       s.bus,
		Approvals: s.approvals,
		Tools:     s.tools,
		Model:     s.model,
		History:   s.history,
	})

	if err := server.NewRestate().
		Bind(restate.Reflect(wf)).
		Start(context.Background(), s.conf.RESTATE_LISTEN_ADDR); err != nil {
		log.Fatal(err)
	}
}
