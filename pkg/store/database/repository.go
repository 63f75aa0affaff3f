package database

import "modelforge/pkg/config"

// Repository aggregates all database repositories
type Repository struct {
	ds *Datastore

	Job           *JobRepository
	Task          *TaskRepository
	Dataset       *DatasetRepository
	Configuration *ConfigurationRepository
	Resource      *ResourceRepository
	ModelTest     *ModelTestRepository
}

// NewRepository opens the database and creates every sub-repository
func NewRepository(cfg config.DatabaseConfig) (*Repository, error) {
	ds, err := NewDatastore(cfg)
	if err != nil {
		return nil, err
	}
	return &Repository{
		ds:            ds,
		Job:           NewJobRepository(ds),
		Task:          NewTaskRepository(ds),
		Dataset:       NewDatasetRepository(ds),
		Configuration: NewConfigurationRepository(ds),
		Resource:      NewResourceRepository(ds),
		ModelTest:     NewModelTestRepository(ds),
	}, nil
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
