package interfaces

import (
	"context"

	"dio/internal/model"
)

// Provisioner fulfils scaling intents. Provision only hands the intent over;
// the outcome is reported back through the autoscaler's Resolve API or observed
// from the pool size.
type Provisioner interface {
	// Name identifies the provisioner in logs and status
	Name() string

	// Provision submits the intent. An error fails the intent immediately.
	Provision(ctx context.Context, intent *model.ScalingIntent) error
}
