package k8s

import (
	"context"
	"fmt"

	"dio/internal/model"
	"dio/pkg/logger"
)

// Provisioner fulfils scaling intents by resizing one Deployment per model.
// Worker ids are expected to be pod names (HOSTNAME), so scale-in victims can
// be marked before the replica count drops.
type Provisioner struct {
	manager     *Manager
	deployments map[string]string // model id -> deployment name
}

// NewProvisioner creates a provisioner. Models without an explicit mapping use
// a deployment named after the model.
func NewProvisioner(manager *Manager, deployments map[string]string) *Provisioner {
	d := make(map[string]string, len(deployments))
	for k, v := range deployments {
		d[k] = v
	}
	return &Provisioner{manager: manager, deployments: d}
}

// Name implements interfaces.Provisioner
func (p *Provisioner) Name() string {
	return "k8s"
}

// Provision applies the intent's magnitude to the model's deployment
func (p *Provisioner) Provision(ctx context.Context, intent *model.ScalingIntent) error {
	name := p.deploymentFor(intent.ModelID)

	current, err := p.manager.GetReplicas(ctx, name)
	if err != nil {
		return err
	}

	target := current
	switch intent.Direction {
	case model.ScaleOut:
		target = current + intent.Magnitude
	case model.ScaleIn:
		for _, id := range intent.WorkerIDs {
			if _, err := p.manager.MarkPodForRemoval(ctx, id); err != nil {
				logger.WarnCtx(ctx, "failed to mark pod %s for removal: %v", id, err)
			}
		}
		target = max(current-intent.Magnitude, 0)
	default:
		return fmt.Errorf("unknown scaling direction %q", intent.Direction)
	}

	if err := p.manager.ScaleDeployment(ctx, name, target); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "deployment %s scaled %d -> %d for intent %s", name, current, target, intent.ID)
	return nil
}

func (p *Provisioner) deploymentFor(modelID string) string {
	if name, ok := p.deployments[modelID]; ok && name != "" {
		return name
	}
	return modelID
}
