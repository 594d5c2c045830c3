package ml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/internal/training"
	"github.com/inferloop/dptrain/pkg/errors"
)

const artifactName = "model.json"

// ModelStorage persists registered models
type ModelStorage interface {
	Store(ctx context.Context, model *RegisteredModel) (string, error)
	Retrieve(ctx context.Context, id string) (*RegisteredModel, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
	GetMetadata(ctx context.Context, id string) (*StorageMetadata, error)
}

// StorageMetadata describes a stored artifact
type StorageMetadata struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Checksum     string    `json:"checksum"`
}

// LocalModelStorage implements ModelStorage for the local filesystem
type LocalModelStorage struct {
	logger   *logrus.Logger
	basePath string
}

// NewLocalModelStorage creates a new local model storage
func NewLocalModelStorage(basePath string, logger *logrus.Logger) (*LocalModelStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &LocalModelStorage{
		logger:   logger,
		basePath: basePath,
	}, nil
}

// Store writes model to basePath/<id>/model.json, replacing an earlier version
func (lms *LocalModelStorage) Store(ctx context.Context, model *RegisteredModel) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := lms.modelDir(model.ID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}

	data, err := encodeModel(model)
	if err != nil {
		return "", err
	}

	// Write then rename so readers never see a partial artifact.
	path := filepath.Join(dir, artifactName)
	tmp, err := os.CreateTemp(dir, artifactName+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}

	lms.logger.WithFields(logrus.Fields{
		"model_id": model.ID,
		"path":     path,
	}).Debug("Stored model artifact")

	return path, nil
}

// Retrieve reads a stored model and rebuilds its predictor
func (lms *LocalModelStorage) Retrieve(ctx context.Context, id string) (*RegisteredModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := lms.modelDir(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, artifactName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, modelNotFound(id)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}

	return decodeModel(id, data)
}

// Delete removes a stored model
func (lms *LocalModelStorage) Delete(ctx context.Context, id string) error {
	dir, err := lms.modelDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	lms.logger.WithField("model_id", id).Debug("Deleted model artifact")
	return nil
}

// Exists checks if a model is stored
func (lms *LocalModelStorage) Exists(ctx context.Context, id string) (bool, error) {
	dir, err := lms.modelDir(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, artifactName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List returns the ids of all stored models, sorted
func (lms *LocalModelStorage) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(lms.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(lms.basePath, entry.Name(), artifactName)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// GetMetadata returns metadata about a stored model
func (lms *LocalModelStorage) GetMetadata(ctx context.Context, id string) (*StorageMetadata, error) {
	dir, err := lms.modelDir(id)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, artifactName)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, modelNotFound(id)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return nil, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return &StorageMetadata{
		Path:         path,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		Checksum:     hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// modelDir maps an id to its directory, refusing ids that would escape basePath
func (lms *LocalModelStorage) modelDir(id string) (string, error) {
	if err := validateModelID(id); err != nil {
		return "", err
	}
	return filepath.Join(lms.basePath, id), nil
}

// validateModelID accepts ids usable as a path segment or object key
func validateModelID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errors.NewFieldValidationError(errors.CodeInvalidInput, "id", id, "a plain file name")
	}
	return nil
}

func encodeModel(model *RegisteredModel) ([]byte, error) {
	data, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode model: %w", err)
	}
	return data, nil
}

// decodeModel parses a stored artifact and rebuilds its predictor
func decodeModel(id string, data []byte) (*RegisteredModel, error) {
	var stored RegisteredModel
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			fmt.Sprintf("corrupt model artifact for %s", id))
	}
	if stored.ID != id {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("artifact for %s holds model %q", id, stored.ID))
	}

	model, err := training.NewModel(stored.Parameters)
	if err != nil {
		return nil, err
	}
	stored.model = model
	return &stored, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
