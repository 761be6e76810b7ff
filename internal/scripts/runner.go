package scripts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/italolelis/llama_manager/internal/event"
	"github.com/italolelis/llama_manager/internal/logctx"
	"github.com/italolelis/llama_manager/internal/supervisor"
	"github.com/italolelis/llama_manager/internal/telemetry"
)

// Runner runs catalog scripts through a supervisor.
type Runner struct {
	catalog   *Catalog
	runner    supervisor.Runner
	telemetry *telemetry.Telemetry
}

func NewRunner(catalog *Catalog, runner supervisor.Runner, tel *telemetry.Telemetry) *Runner {
	return &Runner{catalog: catalog, runner: runner, telemetry: tel}
}

// Catalog returns the catalog scripts are looked up in.
func (r *Runner) Catalog() *Catalog {
	return r.catalog
}

// Run streams start, then the supervisor's pid, output and exit events. An
// unknown or missing script yields a single error event instead.
func (r *Runner) Run(ctx context.Context, id string, args []string, sink event.Sink) error {
	logger := logctx.LoggerFromContext(ctx).With("script", id)

	if args == nil {
		args = []string{}
	}

	cmd, err := r.catalog.Command(id, args)
	if err != nil {
		logger.Warn("script unavailable", "err", err)

		sink.Send(event.Error{Message: r.unavailableMessage(id, err), Kind: event.KindScriptUnavailable})

		return err
	}

	cmd.RunID = uuid.New().String()

	sink.Send(event.Start{Script: id, Args: args, RunID: cmd.RunID})

	return r.telemetry.InstrumentProcess(logctx.WithLogger(ctx, logger), id, func(ctx context.Context) error {
		return r.runner.Run(ctx, cmd, sink)
	})
}

func (r *Runner) unavailableMessage(id string, err error) string {
	if errors.Is(err, ErrUnknownScript) {
		return fmt.Sprintf("Unknown script: %s", id)
	}

	return fmt.Sprintf("Script not found: %s", r.catalog.paths[id])
}
