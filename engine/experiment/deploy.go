package experiment

import (
	"context"
	"log/slog"

	"github.com/vocerohq/vocero/store"
)

// Deployer receives the winning variant of a completed experiment so its
// content takes effect outside the experiment (prompt overrides, strategy
// weights, tier pricing).
type Deployer interface {
	Deploy(ctx context.Context, exp *store.Experiment, winner store.Variant) error
}

// LogDeployer records deployments without applying them anywhere. It is
// the default until a concrete sink is wired in.
type LogDeployer struct{}

func (LogDeployer) Deploy(_ context.Context, exp *store.Experiment, winner store.Variant) error {
	slog.Info("experiment: winner deployed",
		"experiment", exp.ID,
		"name", exp.Name,
		"type", exp.Type,
		"variant", winner.ID,
		"confidence", exp.WinConfidence)
	return nil
}

// DeployerFunc adapts a function to the Deployer interface.
type DeployerFunc func(ctx context.Context, exp *store.Experiment, winner store.Variant) error

func (f DeployerFunc) Deploy(ctx context.Context, exp *store.Experiment, winner store.Variant) error {
	return f(ctx, exp, winner)
}
