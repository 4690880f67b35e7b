package terraform

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/hashicorp/terraform-exec/tfexec"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

func TestMain(m *testing.M) {
	_, _ = logger.Init("error", "json")
	os.Exit(m.Run())
}

type memStates struct {
	mu   sync.Mutex
	rows map[string]models.TerraformState
}

func (m *memStates) Save(_ context.Context, s *models.TerraformState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]models.TerraformState{}
	}
	m.rows[s.DeploymentID] = *s
	return nil
}

func (m *memStates) Get(_ context.Context, id string, dest *models.TerraformState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return appErr.New(appErr.CodeNotFound, "terraform state not found")
	}
	*dest = s
	return nil
}

func TestArchiveDatabaseInline(t *testing.T) {
	states := &memStates{}
	a := NewArchive(NewDatabaseStateStore(), states)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "deploy-abc", []byte(`{"version":4}`)))
	rec := states.rows["deploy-abc"]
	require.Equal(t, BackendDatabase, rec.BackendType)
	require.Equal(t, `{"version":4}`, string(rec.State))

	got, err := a.Load(ctx, "deploy-abc")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":4}`, string(got))

	_, err = a.Load(ctx, "deploy-missing")
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestArchiveSkipsEmptyState(t *testing.T) {
	states := &memStates{}
	require.NoError(t, NewArchive(NewDatabaseStateStore(), states).Save(context.Background(), "deploy-abc", nil))
	require.Empty(t, states.rows)
}

type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *blobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		s.blobs[key] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		data, ok := s.blobs[key]
		if !ok {
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			http.Error(w, "BlobNotFound", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func TestAzureStateStoreRoundTrip(t *testing.T) {
	srv := &blobServer{blobs: map[string][]byte{}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;BlobEndpoint=" + ts.URL + "/;"
	client, err := azblob.NewClientFromConnectionString(conn, nil)
	require.NoError(t, err)

	states := &memStates{}
	a := NewArchive(NewAzureStateStoreWithClient(client, "tfstate", "portal"), states)
	ctx := context.Background()

	require.NoError(t, a.Save(ctx, "deploy-abc", []byte(`{"version":4}`)))
	rec := states.rows["deploy-abc"]
	require.Equal(t, BackendAzureRM, rec.BackendType)
	require.Equal(t, "azure://tfstate/portal/deploy-abc/terraform.tfstate", rec.Location)
	require.Empty(t, rec.State)
	require.Contains(t, srv.blobs, "tfstate/portal/deploy-abc/terraform.tfstate")

	got, err := a.Load(ctx, "deploy-abc")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":4}`, string(got))
}

func TestStoreConstructorsRequireTarget(t *testing.T) {
	_, err := NewAzureStateStore(AzureStateConfig{StorageAccount: "acct"})
	require.Error(t, err)
	_, err = NewGCSStateStore(context.Background(), GCSStateConfig{})
	require.Error(t, err)
}

func TestConvertOutputs(t *testing.T) {
	out := convertOutputs(map[string]tfexec.OutputMeta{
		"ip":       {Value: json.RawMessage(`"10.0.0.4"`)},
		"count":    {Value: json.RawMessage(`2`)},
		"password": {Value: json.RawMessage(`"hunter2"`), Sensitive: true},
	})
	require.Equal(t, "10.0.0.4", out["ip"])
	require.Equal(t, float64(2), out["count"])
	require.Equal(t, "(sensitive)", out["password"])
}

func TestMergeEnvOverridesBase(t *testing.T) {
	env := mergeEnv([]string{"PATH=/usr/bin", "ARM_CLIENT_ID=old", "BROKEN", "TF_LOG=DEBUG"}, map[string]string{"ARM_CLIENT_ID": "new"})
	require.Equal(t, "/usr/bin", env["PATH"])
	require.Equal(t, "new", env["ARM_CLIENT_ID"])
	require.NotContains(t, env, "BROKEN")
	require.NotContains(t, env, "TF_LOG")
}
