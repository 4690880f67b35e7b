package types

import (
	"github.com/iac-studio/portal/internal/engine"
	"github.com/iac-studio/portal/internal/services"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// DeployRequest is the POST /deploy body. CredentialMode picks the
// credentials the run executes with.
type DeployRequest struct {
	services.SubmitInput
	CredentialMode engine.CredentialMode `json:"credential_mode"`
}

type TagsRequest struct {
	Tags []string `json:"tags"`
}

type RoleRequest struct {
	Role string `json:"role"`
}
