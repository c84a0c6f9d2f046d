package repository

import (
	"encoding/json"
	"errors"

	"fedcoord/db"
	"fedcoord/models"
)

// ErrArtifactNotFound is returned for lookups of unknown artifact ids.
var ErrArtifactNotFound = errors.New("artifact not found")

const (
	modelPrefix   = "model:"
	datasetPrefix = "dataset:"
)

// It abstracts the storage layer from the coordinator and the HTTP surface
type ArtifactRepositoryInterface interface {
	PutModel(artifact *models.ModelArtifact) error
	GetModel(id string) (*models.ModelArtifact, error)
	ListModels() ([]*models.ModelArtifact, error)
	PutDataset(ds *models.Dataset) error
	GetDataset(id string) (*models.Dataset, error)
	ListDatasets() ([]*models.Dataset, error)
}

// ArtifactRepository implements the ArtifactRepositoryInterface using
// LevelDB as the storage backend. Records are JSON-encoded under
// type-prefixed keys.
type ArtifactRepository struct {
	db *db.LevelDB
}

// NewArtifactRepository creates and returns a new ArtifactRepository instance
func NewArtifactRepository(db *db.LevelDB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// PutModel stores a final global model artifact
func (r *ArtifactRepository) PutModel(artifact *models.ModelArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(modelPrefix+artifact.ID), data)
}

// GetModel retrieves a model artifact by its ID
func (r *ArtifactRepository) GetModel(id string) (*models.ModelArtifact, error) {
	data, err := r.db.Get([]byte(modelPrefix + id))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	var artifact models.ModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, err
	}
	return &artifact, nil
}

// ListModels retrieves all stored model artifacts
func (r *ArtifactRepository) ListModels() ([]*models.ModelArtifact, error) {
	iter := r.db.NewPrefixIterator([]byte(modelPrefix))
	defer iter.Release()

	var out []*models.ModelArtifact
	for iter.Next() {
		var artifact models.ModelArtifact
		if err := json.Unmarshal(iter.Value(), &artifact); err != nil {
			return nil, err
		}
		out = append(out, &artifact)
	}
	return out, iter.Error()
}

// PutDataset stores a dataset descriptor
func (r *ArtifactRepository) PutDataset(ds *models.Dataset) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(datasetPrefix+ds.ID), data)
}

// GetDataset retrieves a dataset descriptor by its ID
func (r *ArtifactRepository) GetDataset(id string) (*models.Dataset, error) {
	data, err := r.db.Get([]byte(datasetPrefix + id))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrArtifactNotFound
		}
		return nil, err
	}
	var ds models.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ListDatasets retrieves all stored dataset descriptors
func (r *ArtifactRepository) ListDatasets() ([]*models.Dataset, error) {
	iter := r.db.NewPrefixIterator([]byte(datasetPrefix))
	defer iter.Release()

	var out []*models.Dataset
	for iter.Next() {
		var ds models.Dataset
		if err := json.Unmarshal(iter.Value(), &ds); err != nil {
			return nil, err
		}
		out = append(out, &ds)
	}
	return out, iter.Error()
}
