package mysql

import "dio/pkg/config"

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	ScalingEvent *ScalingEventRepository
	WorkerEvent  *WorkerEventRepository
}

// NewRepository creates a new MySQL repository with all sub-repositories
func NewRepository(cfg config.MySQLConfig) (*Repository, error) {
	ds, err := NewDatastore(cfg)
	if err != nil {
		return nil, err
	}

	return &Repository{
		ds:           ds,
		ScalingEvent: NewScalingEventRepository(ds),
		WorkerEvent:  NewWorkerEventRepository(ds),
	}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
