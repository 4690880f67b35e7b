package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iac-studio/portal/internal/options"
)

func TestSizeOption(t *testing.T) {
	opt := sizeOption("Standard_D2s_v3", 2, memoryGB(8192))
	require.Equal(t, "Standard_D2s_v3", opt.Name)
	require.Equal(t, "2 vCPUs, 8 GB RAM", opt.Description)
	require.Equal(t, 2.0, *opt.VCPUs)
	require.Equal(t, 8.0, *opt.MemoryGB)

	single := sizeOption("n1-standard-1", 1, memoryGB(3840))
	require.Equal(t, "1 vCPU, 3.75 GB RAM", single.Description)
	require.Equal(t, 3.75, *single.MemoryGB)
}

func TestMemoryGB(t *testing.T) {
	require.Equal(t, 0.5, memoryGB(512))
	require.Equal(t, 0.0, memoryGB(0))
	require.Equal(t, 1.0, memoryGB(1024))
}

func TestSorting(t *testing.T) {
	opts := []options.Option{{Name: "westus", DisplayName: "West US"}, {Name: "eastus", DisplayName: "East US"}}
	sortByName(opts)
	require.Equal(t, "eastus", opts[0].Name)

	opts = []options.Option{{Name: "b", DisplayName: "Zeta"}, {Name: "a", DisplayName: "Alpha"}}
	sortByDisplay(opts)
	require.Equal(t, "Alpha", opts[0].DisplayName)
}

func TestConstructorsRequireScope(t *testing.T) {
	_, err := NewAzure(AzureConfig{})
	require.Error(t, err)
}
