package api

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/duraflow/agentrun/internal/approval"
	"github.com/duraflow/agentrun/internal/config"
	"github.com/duraflow/agentrun/internal/db"
	"github.com/duraflow/agentrun/internal/engine"
	"github.com/duraflow/agentrun/internal/eventbus"
	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/migrations"
	"github.com/duraflow/agentrun/internal/modelclient"
	"github.com/duraflow/agentrun/internal/pubsub"
	"github.com/duraflow/agentrun/internal/session"
	"github.com/duraflow/agentrun/internal/tool"
)

// Server is the run-engine's HTTP surface: session/run CRUD, SSE
// streaming, resume/cancel, wrapping a fasthttp.Server.
type Server struct {
	conf *config.Config
	srv  *fasthttp.Server
	addr string

	notifier *pubsub.Notifier
	sweeper  *approval.ExpirySweeper

	store     *journal.Store
	bus       *eventbus.Bus
	approvals *approval.Registry
	tools     *tool.Registry
	sessions  *session.Repo
	engine    *engine.Engine

	model   modelclient.Client
	history engine.HistoryBuilder
}

// New wires every dependency of the run engine: migrations, the Postgres
// connection, the durable components (Journal Store, Event Bus, Approval
// Registry, Tool Registry), the Model Client, the Run Engine itself, and
// finally the HTTP routes.
func New() *Server {
	conf := config.ReadConfig()

	m, err := migrations.NewMigrator()
	if err != nil {
		panic("unable to create migrator")
	}
	if err := m.Up(0); err != nil {
		panic("unable to run migrations")
	}

	conn := db.NewConn(conf)

	notifier := pubsub.NewNotifier(conf)
	if err := notifier.Start(); err != nil {
		slog.Warn("failed to start pubsub notifier, cross-instance wakeups disabled", slog.Any("error", err))
	}

	store := journal.NewStore(conn)
	bus := eventbus.NewBus(store)
	approvals := approval.NewRegistry(conn, conf.ApprovalTimeout)
	tools := tool.NewRegistry()
	sessions := session.NewRepo(conn)

	if conf.MCP_SERVER_ENDPOINT != "" {
		mcpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mcpServer, err := tool.NewMCPServer(mcpCtx, conf.MCP_SERVER_ENDPOINT, nil)
		if err != nil {
			slog.Warn("failed to connect to MCP server, no MCP tools registered", slog.Any("error", err))
		} else {
			for _, t := range mcpServer.Tools(nil) {
				tools.Register(t)
			}
		}
	}

	var model modelclient.Client
	if conf.MODEL_ENDPOINT != "" {
		model = modelclient.NewHTTPClient(conf.MODEL_ENDPOINT, conf.MODEL_API_KEY, 60*time.Second)
	}

	history := session.NewHistoryBuilder(store, sessions, nil)

	eng := engine.New(store, bus, approvals, tools, model, engine.Options{
		LeaseOwner:      "local:" + conf.HTTP_ADDR,
		DefaultMaxSteps: conf.DefaultMaxSteps,
		History:         history,
	})

	sweeper := approval.NewExpirySweeper(approvals, eng)
	sweeper.Start()

	s := &Server{
		conf:      conf,
		srv:       &fasthttp.Server{},
		addr:      conf.HTTP_ADDR,
		notifier:  notifier,
		sweeper:   sweeper,
		store:     store,
		bus:       bus,
		approvals: approvals,
		tools:     tools,
		sessions:  sessions,
		engine:    eng,
		model:     model,
		history:   history,
	}

	s.srv.Handler = s.initRoutes()

	return s
}

// Start runs the HTTP server until an OS interrupt is received, then
// shuts down gracefully.
func (s *Server) Start() {
	slog.Info("Starting run engine HTTP server...")
	go func() {
		if err := s.srv.ListenAndServe(s.addr); err != nil {
			slog.Error("server shutdown", slog.Any("error", err))
		}
	}()
	slog.Info("run engine HTTP server started", slog.String("addr", s.addr))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	slog.Info("received interrupt...")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	s.shutdown(ctx)
}

func (s *Server) shutdown(ctx context.Context) {
	slog.Info("gracefully shutting down run engine HTTP server...")

	if s.notifier != nil {
		s.notifier.Stop()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	if err := s.srv.Shutdown(); err != nil {
		slog.Error("failed to shutdown the server", slog.Any("error", err))
	}
	slog.Info("run engine HTTP server shutdown complete")
}
