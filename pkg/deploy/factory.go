package deploy

import (
	"fmt"

	"dio/pkg/config"
	"dio/pkg/deploy/k8s"
	"dio/pkg/interfaces"
	"dio/pkg/queue/asynq"
)

// CreateProvisioner creates the provisioner selected by cfg.Provisioner.Type
func CreateProvisioner(cfg *config.Config) (interfaces.Provisioner, error) {
	switch cfg.Provisioner.Type {
	case "log", "":
		return NewLogProvisioner(), nil
	case "k8s", "kubernetes":
		manager, err := k8s.NewManager(cfg.K8s.Namespace)
		if err != nil {
			return nil, err
		}
		return k8s.NewProvisioner(manager, cfg.K8s.Deployments), nil
	case "asynq":
		return asynq.NewManager(cfg.Redis, cfg.Queue), nil
	default:
		return nil, fmt.Errorf("unsupported provisioner type: %s", cfg.Provisioner.Type)
	}
}
