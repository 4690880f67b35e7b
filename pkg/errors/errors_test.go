package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOfUnwrapsChain(t *testing.T) {
	base := New(CodeForbidden, "access denied")
	wrapped := fmt.Errorf("submit: %w", base)

	require.Equal(t, CodeForbidden, CodeOf(wrapped))
	require.True(t, IsCode(wrapped, CodeForbidden))
	require.Equal(t, CodeUnknown, CodeOf(fmt.Errorf("plain")))
}

func TestValidationFailedCarriesFields(t *testing.T) {
	err := ValidationFailed(map[string]string{
		"vm_name":   "vm_name is required",
		"vnet_cidr": "Invalid CIDR notation",
	})

	require.Equal(t, CodeInvalid, err.Code)
	require.Equal(t, "validation failed for 2 fields", err.Message)

	fields := FieldErrors(fmt.Errorf("build: %w", err))
	require.Len(t, fields, 2)
	require.Equal(t, "Invalid CIDR notation", fields["vnet_cidr"])
}

func TestValidationFailedSingleField(t *testing.T) {
	err := ValidationFailed(map[string]string{"storage_account_name": "bad"})
	require.Equal(t, "validation failed for storage_account_name", err.Message)
}
