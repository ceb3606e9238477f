package deploy

import (
	"context"

	"dio/internal/model"
	"dio/pkg/logger"
)

// LogProvisioner only records intents. An operator or an external system
// fulfils them and reports back through the resolve API.
type LogProvisioner struct{}

// NewLogProvisioner creates a log provisioner
func NewLogProvisioner() *LogProvisioner {
	return &LogProvisioner{}
}

// Name implements interfaces.Provisioner
func (p *LogProvisioner) Name() string {
	return "log"
}

// Provision logs the intent
func (p *LogProvisioner) Provision(ctx context.Context, intent *model.ScalingIntent) error {
	if intent.Direction == model.ScaleIn {
		logger.InfoCtx(ctx, "provision: remove %d worker(s) %v of %s, intent %s", intent.Magnitude, intent.WorkerIDs, intent.ModelID, intent.ID)
		return nil
	}
	logger.InfoCtx(ctx, "provision: add %d worker(s) of %s, intent %s", intent.Magnitude, intent.ModelID, intent.ID)
	return nil
}
