package terraform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/internal/repository"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

const (
	BackendDatabase = "database"
	BackendAzureRM  = "azurerm"
	BackendGCS      = "gcs"
)

// StateStore writes the state of a finished run somewhere durable and
// returns the record describing where it went.
type StateStore interface {
	Type() string
	Write(ctx context.Context, deploymentID string, state []byte) (*models.TerraformState, error)
	Read(ctx context.Context, rec *models.TerraformState) ([]byte, error)
}

// Archive persists state through a StateStore and records its location.
type Archive struct {
	store  StateStore
	states repository.StateRepository
}

func NewArchive(store StateStore, states repository.StateRepository) *Archive {
	return &Archive{store: store, states: states}
}

func (a *Archive) Save(ctx context.Context, deploymentID string, state []byte) error {
	if len(state) == 0 {
		return nil
	}
	rec, err := a.store.Write(ctx, deploymentID, state)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "archive terraform state failed")
	}
	rec.DeploymentID = deploymentID
	rec.BackendType = a.store.Type()
	if err := a.states.Save(ctx, rec); err != nil {
		return err
	}
	logger.L().Info("terraform state archived",
		zap.String("deployment_id", deploymentID),
		zap.String("backend", rec.BackendType),
		zap.String("location", rec.Location))
	return nil
}

func (a *Archive) Load(ctx context.Context, deploymentID string) ([]byte, error) {
	var rec models.TerraformState
	if err := a.states.Get(ctx, deploymentID, &rec); err != nil {
		return nil, err
	}
	if len(rec.State) > 0 {
		return rec.State, nil
	}
	return a.store.Read(ctx, &rec)
}

// DatabaseStateStore keeps the state inline in the terraform_states table.
type DatabaseStateStore struct{}

func NewDatabaseStateStore() *DatabaseStateStore { return &DatabaseStateStore{} }

func (DatabaseStateStore) Type() string { return BackendDatabase }

func (DatabaseStateStore) Write(_ context.Context, _ string, state []byte) (*models.TerraformState, error) {
	return &models.TerraformState{Location: BackendDatabase, State: state}, nil
}

func (DatabaseStateStore) Read(_ context.Context, rec *models.TerraformState) ([]byte, error) {
	if len(rec.State) == 0 {
		return nil, appErr.New(appErr.CodeNotFound, "terraform state not found")
	}
	return rec.State, nil
}

func stateKey(prefix, deploymentID string) string {
	return path.Join(prefix, deploymentID, "terraform.tfstate")
}

type AzureStateConfig struct {
	StorageAccount string
	Container      string
	Prefix         string
	// Endpoint overrides the public blob endpoint.
	Endpoint   string
	Credential azcore.TokenCredential
}

type AzureStateStore struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzureStateStore(cfg AzureStateConfig) (*AzureStateStore, error) {
	if cfg.StorageAccount == "" || cfg.Container == "" {
		return nil, fmt.Errorf("azurerm state backend requires a storage account and container")
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.StorageAccount)
	if cfg.Endpoint != "" {
		serviceURL = cfg.Endpoint
	}
	cred := cfg.Credential
	if cred == nil {
		c, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create default Azure credential: %w", err)
		}
		cred = c
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return NewAzureStateStoreWithClient(client, cfg.Container, cfg.Prefix), nil
}

func NewAzureStateStoreWithClient(client *azblob.Client, container, prefix string) *AzureStateStore {
	return &AzureStateStore{client: client, container: container, prefix: prefix}
}

func (s *AzureStateStore) Type() string { return BackendAzureRM }

func (s *AzureStateStore) Write(ctx context.Context, deploymentID string, state []byte) (*models.TerraformState, error) {
	key := stateKey(s.prefix, deploymentID)
	_, err := s.client.UploadBuffer(ctx, s.container, key, state, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: toPtr("application/json")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write state to azure://%s/%s: %w", s.container, key, err)
	}
	return &models.TerraformState{Location: "azure://" + s.container + "/" + key}, nil
}

func (s *AzureStateStore) Read(ctx context.Context, rec *models.TerraformState) ([]byte, error) {
	key := strings.TrimPrefix(rec.Location, "azure://"+s.container+"/")
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, appErr.New(appErr.CodeNotFound, "terraform state not found")
		}
		return nil, fmt.Errorf("failed to read state from azure://%s/%s: %w", s.container, key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

type GCSStateConfig struct {
	Bucket          string
	Prefix          string
	CredentialsFile string
	// Endpoint points the client at an emulator and disables auth.
	Endpoint string
}

type GCSStateStore struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStateStore(ctx context.Context, cfg GCSStateConfig) (*GCSStateStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs state backend requires a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStateStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStateStore) Type() string { return BackendGCS }

func (s *GCSStateStore) Write(ctx context.Context, deploymentID string, state []byte) (*models.TerraformState, error) {
	key := stateKey(s.prefix, deploymentID)
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(state); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write state to gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return &models.TerraformState{Location: "gs://" + s.bucket + "/" + key}, nil
}

func (s *GCSStateStore) Read(ctx context.Context, rec *models.TerraformState) ([]byte, error) {
	key := strings.TrimPrefix(rec.Location, "gs://"+s.bucket+"/")
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, appErr.New(appErr.CodeNotFound, "terraform state not found")
		}
		return nil, fmt.Errorf("failed to read state from gs://%s/%s: %w", s.bucket, key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStateStore) Close() error { return s.client.Close() }

func toPtr[T any](v T) *T { return &v }
