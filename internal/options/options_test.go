package options

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iac-studio/portal/pkg/logger"
)

func TestMain(m *testing.M) {
	_, _ = logger.Init("error", "json")
	os.Exit(m.Run())
}

type mockAzure struct{ mock.Mock }

func (m *mockAzure) Locations(ctx context.Context) ([]Option, error) {
	args := m.Called(ctx)
	opts, _ := args.Get(0).([]Option)
	return opts, args.Error(1)
}

func (m *mockAzure) VMSizes(ctx context.Context, location string) ([]Option, error) {
	args := m.Called(ctx, location)
	opts, _ := args.Get(0).([]Option)
	return opts, args.Error(1)
}

func (m *mockAzure) ResourceGroups(ctx context.Context) ([]Option, error) {
	args := m.Called(ctx)
	opts, _ := args.Get(0).([]Option)
	return opts, args.Error(1)
}

type mockGCP struct{ mock.Mock }

func (m *mockGCP) Regions(ctx context.Context) ([]Option, error) {
	args := m.Called(ctx)
	opts, _ := args.Get(0).([]Option)
	return opts, args.Error(1)
}

func (m *mockGCP) Zones(ctx context.Context, region string) ([]Option, error) {
	args := m.Called(ctx, region)
	opts, _ := args.Get(0).([]Option)
	return opts, args.Error(1)
}

func (m *mockGCP) MachineTypes(ctx context.Context, zone string) ([]Option, error) {
	args := m.Called(ctx, zone)
	opts, _ := args.Get(0).([]Option)
	return opts, args.Error(1)
}

func (m *mockGCP) Projects(ctx context.Context) ([]Option, error) {
	args := m.Called(ctx)
	opts, _ := args.Get(0).([]Option)
	return opts, args.Error(1)
}

func TestUnknownParameterReturnsNilWithoutCalls(t *testing.T) {
	az := &mockAzure{}
	r := NewResolver(Config{Azure: az, TTL: time.Minute})

	require.Nil(t, r.ResolveOptions(context.Background(), "azure", "storage_account_name", nil))
	require.Nil(t, r.ResolveOptions(context.Background(), "aws", "vm_size", nil))
	az.AssertExpectations(t)
}

func TestVMSizeNeedsLocation(t *testing.T) {
	az := &mockAzure{}
	r := NewResolver(Config{Azure: az})

	opts := r.ResolveOptions(context.Background(), "azure", "vm_size", map[string]string{})
	require.NotNil(t, opts)
	require.Empty(t, opts)

	az.On("VMSizes", mock.Anything, "eastus").Return([]Option{{Name: "Standard_B2s"}}, nil).Once()
	opts = r.ResolveOptions(context.Background(), "azure", "vm_size", map[string]string{"location": "eastus"})
	require.Equal(t, []Option{{Name: "Standard_B2s"}}, opts)
	az.AssertExpectations(t)
}

func TestResourceGroupsPrependCreateNew(t *testing.T) {
	az := &mockAzure{}
	az.On("ResourceGroups", mock.Anything).Return([]Option{{Name: "rg-prod", DisplayName: "rg-prod"}}, nil).Once()
	r := NewResolver(Config{Azure: az})

	opts := r.ResolveOptions(context.Background(), "azure", "resource_group_name", nil)
	require.Len(t, opts, 2)
	require.Equal(t, CreateNewResourceGroup, opts[0].Name)
	require.Equal(t, "rg-prod", opts[1].Name)
}

func TestFailureYieldsEmptyListAndIsNotCached(t *testing.T) {
	az := &mockAzure{}
	az.On("Locations", mock.Anything).Return(nil, errors.New("503 from ARM")).Once()
	az.On("Locations", mock.Anything).Return([]Option{{Name: "eastus"}}, nil).Once()
	r := NewResolver(Config{Azure: az, TTL: time.Minute})

	require.Equal(t, []Option{}, r.ResolveOptions(context.Background(), "azure", "location", nil))
	require.Equal(t, []Option{{Name: "eastus"}}, r.ResolveOptions(context.Background(), "azure", "location", nil))
	az.AssertExpectations(t)
}

func TestUnconfiguredProviderYieldsEmpty(t *testing.T) {
	r := NewResolver(Config{})
	require.Equal(t, []Option{}, r.ResolveOptions(context.Background(), "gcp", "region", nil))
	require.True(t, r.Supports("gcp", "region"))
}

func TestCacheIsKeyedByContextAndExpires(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	g := &mockGCP{}
	g.On("MachineTypes", mock.Anything, "us-central1-a").Return([]Option{{Name: "e2-small"}}, nil).Twice()
	g.On("MachineTypes", mock.Anything, "europe-west1-b").Return([]Option{{Name: "n2-standard-2"}}, nil).Once()
	r := NewResolver(Config{GCP: g, TTL: 5 * time.Minute, Clock: clk})
	ctx := context.Background()

	a := map[string]string{"zone": "us-central1-a"}
	require.Equal(t, "e2-small", r.ResolveOptions(ctx, "gcp", "machine_type", a)[0].Name)
	require.Equal(t, "e2-small", r.ResolveOptions(ctx, "gcp", "machine_type", a)[0].Name)
	require.Equal(t, "n2-standard-2", r.ResolveOptions(ctx, "gcp", "machine_type", map[string]string{"zone": "europe-west1-b"})[0].Name)

	clk.Advance(6 * time.Minute)
	require.Equal(t, "e2-small", r.ResolveOptions(ctx, "gcp", "machine_type", a)[0].Name)
	g.AssertExpectations(t)
}

func TestMachineTypeFallsBackToFirstZoneOfRegion(t *testing.T) {
	g := &mockGCP{}
	g.On("Zones", mock.Anything, "us-east1").Return([]Option{{Name: "us-east1-b"}, {Name: "us-east1-c"}}, nil).Once()
	g.On("MachineTypes", mock.Anything, "us-east1-b").Return([]Option{{Name: "e2-medium"}}, nil).Once()
	r := NewResolver(Config{GCP: g})

	opts := r.ResolveOptions(context.Background(), "gcp", "machine_type", map[string]string{"region": "us-east1"})
	require.Equal(t, []Option{{Name: "e2-medium"}}, opts)
	g.AssertExpectations(t)
}

func TestResolveAllKeepsResultsPerParameter(t *testing.T) {
	g := &mockGCP{}
	g.On("Regions", mock.Anything).Return([]Option{{Name: "us-east1"}}, nil).Once()
	g.On("Zones", mock.Anything, "us-east1").Return([]Option{{Name: "us-east1-b", Region: "us-east1"}}, nil)
	g.On("Projects", mock.Anything).Return(nil, errors.New("permission denied")).Once()
	r := NewResolver(Config{GCP: g, TTL: time.Minute})

	out := r.ResolveAll(context.Background(), "gcp", []string{"region", "zone", "project_id", "bucket_name"}, map[string]string{"region": "us-east1"})
	require.Len(t, out, 3)
	require.Equal(t, "us-east1", out["region"][0].Name)
	require.Equal(t, "us-east1-b", out["zone"][0].Name)
	require.Empty(t, out["project_id"])
	_, ok := out["bucket_name"]
	require.False(t, ok)
}

func TestParameterForKind(t *testing.T) {
	p, ok := ParameterForKind("azure", "vm-sizes")
	require.True(t, ok)
	require.Equal(t, "vm_size", p)

	p, ok = ParameterForKind("gcp", "projects")
	require.True(t, ok)
	require.Equal(t, "project_id", p)

	_, ok = ParameterForKind("gcp", "vm-sizes")
	require.False(t, ok)
}
