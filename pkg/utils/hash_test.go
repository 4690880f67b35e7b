package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashMapIsOrderIndependent(t *testing.T) {
	a := HashMap(map[string]string{"region": "us-central1", "zone": "us-central1-a"})
	b := HashMap(map[string]string{"zone": "us-central1-a", "region": "us-central1"})
	require.Equal(t, a, b)
	require.Len(t, a, 16)
}

func TestHashMapIgnoresEmptyValues(t *testing.T) {
	require.Equal(t, HashMap(nil), HashMap(map[string]string{"location": ""}))
	require.NotEqual(t, HashMap(nil), HashMap(map[string]string{"location": "eastus"}))
}
