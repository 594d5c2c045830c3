package ml

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/errors"
)

// PostgresConfig holds configuration for PostgreSQL model storage
type PostgresConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	Table           string        `json:"table" yaml:"table" mapstructure:"table"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

const defaultModelTable = "dp_models"

// PostgresModelStorage implements ModelStorage on a single PostgreSQL table
// keyed by model id, holding the model document as JSONB.
type PostgresModelStorage struct {
	config    *PostgresConfig
	db        *sql.DB
	tableName string
	table     string
	logger    *logrus.Logger
}

// NewPostgresModelStorage opens the database and creates the model table
// when it is missing
func NewPostgresModelStorage(ctx context.Context, config *PostgresConfig, logger *logrus.Logger) (*PostgresModelStorage, error) {
	if config == nil || config.DSN == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidStorage, "postgres dsn is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to open postgres connection")
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to connect to postgres")
	}

	store := newPostgresModelStorage(db, config, logger)
	if err := store.createTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresModelStorage(db *sql.DB, config *PostgresConfig, logger *logrus.Logger) *PostgresModelStorage {
	if logger == nil {
		logger = logrus.New()
	}
	table := config.Table
	if table == "" {
		table = defaultModelTable
	}
	return &PostgresModelStorage{
		config:    config,
		db:        db,
		tableName: table,
		table:     pq.QuoteIdentifier(table),
		logger:    logger,
	}
}

func (p *PostgresModelStorage) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         TEXT PRIMARY KEY,
		body       JSONB NOT NULL,
		size       BIGINT NOT NULL,
		checksum   TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`, p.table)

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to create model table")
	}
	return nil
}

// Store upserts model
func (p *PostgresModelStorage) Store(ctx context.Context, model *RegisteredModel) (string, error) {
	if err := validateModelID(model.ID); err != nil {
		return "", err
	}
	data, err := encodeModel(model)
	if err != nil {
		return "", err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, body, size, checksum, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			body = EXCLUDED.body,
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			updated_at = EXCLUDED.updated_at`, p.table)

	_, err = p.db.ExecContext(ctx, query, model.ID, string(data), len(data), checksum(data), time.Now().UTC())
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to store model %s", model.ID))
	}

	p.logger.WithField("model_id", model.ID).Debug("Stored model in postgres")
	return p.location(model.ID), nil
}

// Retrieve reads a stored model
func (p *PostgresModelStorage) Retrieve(ctx context.Context, id string) (*RegisteredModel, error) {
	if err := validateModelID(id); err != nil {
		return nil, err
	}

	var body string
	query := fmt.Sprintf(`SELECT body FROM %s WHERE id = $1`, p.table)
	err := p.db.QueryRowContext(ctx, query, id).Scan(&body)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, modelNotFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to read model %s", id))
	}
	return decodeModel(id, []byte(body))
}

// Delete removes a stored model
func (p *PostgresModelStorage) Delete(ctx context.Context, id string) error {
	if err := validateModelID(id); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.table)
	if _, err := p.db.ExecContext(ctx, query, id); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to delete model %s", id))
	}
	return nil
}

// Exists checks if a model is stored
func (p *PostgresModelStorage) Exists(ctx context.Context, id string) (bool, error) {
	if err := validateModelID(id); err != nil {
		return false, err
	}

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, p.table)
	if err := p.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to check model %s", id))
	}
	return exists, nil
}

// List returns the ids of all stored models, sorted
func (p *PostgresModelStorage) List(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, p.table)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to list models")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
				"failed to scan model id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to list models")
	}
	return ids, nil
}

// GetMetadata returns metadata about a stored model
func (p *PostgresModelStorage) GetMetadata(ctx context.Context, id string) (*StorageMetadata, error) {
	if err := validateModelID(id); err != nil {
		return nil, err
	}

	meta := &StorageMetadata{Path: p.location(id)}
	query := fmt.Sprintf(`SELECT size, checksum, updated_at FROM %s WHERE id = $1`, p.table)
	err := p.db.QueryRowContext(ctx, query, id).Scan(&meta.Size, &meta.Checksum, &meta.LastModified)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, modelNotFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to read model %s", id))
	}
	return meta, nil
}

// Close closes the database connection
func (p *PostgresModelStorage) Close() error {
	return p.db.Close()
}

func (p *PostgresModelStorage) location(id string) string {
	return "postgres://" + p.tableName + "/" + id
}

var _ ModelStorage = (*PostgresModelStorage)(nil)
