// Package request turns raw form values into an immutable, validated
// deployment request.
package request

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/iac-studio/portal/internal/catalog"
	"github.com/iac-studio/portal/internal/validation"
	appErr "github.com/iac-studio/portal/pkg/errors"
)

// DeploymentRequest is the validated, empty-stripped payload handed to the engine.
type DeploymentRequest struct {
	ProviderType string         `json:"provider_type"`
	TemplateName string         `json:"template_name"`
	Parameters   map[string]any `json:"parameters"`
}

// ParametersJSON encodes the parameters. encoding/json sorts map keys, so the
// same request always yields the same bytes.
func (r *DeploymentRequest) ParametersJSON() ([]byte, error) {
	return json.Marshal(r.Parameters)
}

// Builder validates form values against a template's declared parameters.
type Builder struct {
	validator *validation.Validator
}

func NewBuilder(v *validation.Validator) *Builder {
	return &Builder{validator: v}
}

// Build returns the request or an invalid-input AppError listing every failing field.
// Keys the template does not declare are dropped; values are otherwise passed through.
func (b *Builder) Build(provider, template string, params []catalog.Parameter, values map[string]any) (*DeploymentRequest, error) {
	normalized := make(map[string]any, len(params))
	for _, p := range params {
		if v, ok := values[p.Name]; ok {
			normalized[p.Name] = normalize(v)
		}
	}

	fields := b.validator.ValidateAll(provider, params, normalized)
	if len(fields) > 0 {
		return nil, appErr.ValidationFailed(fields)
	}

	out := make(map[string]any, len(normalized))
	for name, v := range normalized {
		if validation.IsEmpty(v) {
			continue
		}
		out[name] = v
	}
	return &DeploymentRequest{ProviderType: provider, TemplateName: template, Parameters: out}, nil
}

// normalize trims strings and drops entries of lists and maps that are empty
// once normalized themselves, so ["", " "] becomes an empty list.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if n := normalize(e); !validation.IsEmpty(n) {
				out = append(out, n)
			}
		}
		return out
	case []string:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if n := strings.TrimSpace(e); n != "" {
				out = append(out, n)
			}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if n := normalize(e); !validation.IsEmpty(n) {
				out[k] = n
			}
		}
		return out
	}
	return v
}

// Undeclared returns the sorted keys of values that the template does not declare.
func Undeclared(params []catalog.Parameter, values map[string]any) []string {
	declared := make(map[string]struct{}, len(params))
	for _, p := range params {
		declared[p.Name] = struct{}{}
	}
	var out []string
	for k := range values {
		if _, ok := declared[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
