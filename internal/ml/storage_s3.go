package ml

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/dptrain/pkg/constants"
	"github.com/inferloop/dptrain/pkg/errors"
)

// S3Config holds configuration for S3 model storage
type S3Config struct {
	Region          string `json:"region" yaml:"region" mapstructure:"region"`
	Bucket          string `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool   `json:"force_path_style" yaml:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool   `json:"disable_ssl" yaml:"disable_ssl" mapstructure:"disable_ssl"`
	MaxRetries      int    `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// S3ModelStorage implements ModelStorage for Amazon S3 and compatible
// object stores. Models live at <prefix>/models/<id>/model.json.
type S3ModelStorage struct {
	config *S3Config
	client s3iface.S3API
	logger *logrus.Logger
}

// NewS3ModelStorage creates a new S3 model storage
func NewS3ModelStorage(config *S3Config, logger *logrus.Logger) (*S3ModelStorage, error) {
	if config == nil || config.Bucket == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidStorage, "S3 bucket is required")
	}

	awsConfig := &aws.Config{
		Region:     aws.String(config.Region),
		MaxRetries: aws.Int(config.MaxRetries),
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(config.AccessKeyID, config.SecretAccessKey, "")
	}
	// Custom endpoints serve S3-compatible stores such as MinIO.
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(config.ForcePathStyle)
	}
	if config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to create AWS session")
	}

	return newS3ModelStorage(s3.New(sess), config, logger), nil
}

func newS3ModelStorage(client s3iface.S3API, config *S3Config, logger *logrus.Logger) *S3ModelStorage {
	if logger == nil {
		logger = logrus.New()
	}
	return &S3ModelStorage{config: config, client: client, logger: logger}
}

// Store uploads model, replacing an earlier version
func (s *S3ModelStorage) Store(ctx context.Context, model *RegisteredModel) (string, error) {
	key, err := s.key(model.ID)
	if err != nil {
		return "", err
	}
	data, err := encodeModel(model)
	if err != nil {
		return "", err
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(constants.ContentTypeJSON),
		Metadata: map[string]*string{
			"checksum": aws.String(checksum(data)),
		},
	})
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to upload model %s", model.ID))
	}

	s.logger.WithFields(logrus.Fields{
		"model_id": model.ID,
		"bucket":   s.config.Bucket,
		"key":      key,
	}).Debug("Stored model in S3")

	return "s3://" + s.config.Bucket + "/" + key, nil
}

// Retrieve downloads a stored model
func (s *S3ModelStorage) Retrieve(ctx context.Context, id string) (*RegisteredModel, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, modelNotFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to download model %s", id))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to read model %s", id))
	}
	return decodeModel(id, data)
}

// Delete removes a stored model
func (s *S3ModelStorage) Delete(ctx context.Context, id string) error {
	key, err := s.key(id)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to delete model %s", id))
	}
	return nil
}

// Exists checks if a model is stored
func (s *S3ModelStorage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.head(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.IsNotFoundError(err) {
		return false, nil
	}
	return false, err
}

// List returns the ids of all stored models, sorted
func (s *S3ModelStorage) List(ctx context.Context) ([]string, error) {
	prefix := s.modelsPrefix()

	var ids []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			rest := strings.TrimPrefix(aws.StringValue(obj.Key), prefix)
			id, file, ok := strings.Cut(rest, "/")
			if ok && file == artifactName && id != "" {
				ids = append(ids, id)
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			"failed to list models")
	}

	sort.Strings(ids)
	return ids, nil
}

// GetMetadata returns metadata about a stored model
func (s *S3ModelStorage) GetMetadata(ctx context.Context, id string) (*StorageMetadata, error) {
	out, err := s.head(ctx, id)
	if err != nil {
		return nil, err
	}
	key, _ := s.key(id)

	meta := &StorageMetadata{
		Path:         "s3://" + s.config.Bucket + "/" + key,
		Size:         aws.Int64Value(out.ContentLength),
		LastModified: aws.TimeValue(out.LastModified),
		Checksum:     strings.Trim(aws.StringValue(out.ETag), `"`),
	}
	// Metadata keys come back canonicalized.
	for k, v := range out.Metadata {
		if strings.EqualFold(k, "checksum") {
			meta.Checksum = aws.StringValue(v)
		}
	}
	return meta, nil
}

func (s *S3ModelStorage) head(ctx context.Context, id string) (*s3.HeadObjectOutput, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}

	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, modelNotFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeStorageUnavailable,
			fmt.Sprintf("failed to stat model %s", id))
	}
	return out, nil
}

func (s *S3ModelStorage) modelsPrefix() string {
	if s.config.Prefix == "" {
		return "models/"
	}
	return path.Join(s.config.Prefix, "models") + "/"
}

func (s *S3ModelStorage) key(id string) (string, error) {
	if err := validateModelID(id); err != nil {
		return "", err
	}
	return s.modelsPrefix() + id + "/" + artifactName, nil
}

// isS3NotFound reports a missing key. GetObject answers NoSuchKey while
// HeadObject, which has no body, answers NotFound.
func isS3NotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

var _ ModelStorage = (*S3ModelStorage)(nil)
