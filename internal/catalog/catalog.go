// Package catalog discovers Terraform templates on disk and describes the
// parameters each one declares.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/iac-studio/portal/internal/models"
	appErr "github.com/iac-studio/portal/pkg/errors"
	"github.com/iac-studio/portal/pkg/logger"
)

const FormatTerraform = "terraform"

// Template is one deployable template for a provider.
type Template struct {
	ProviderType string `json:"provider_type"`
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	Format       string `json:"format"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	Icon         string `json:"icon"`
	Path         string `json:"-"`
}

// Parameter describes one input variable of a template.
type Parameter struct {
	Name              string   `json:"name"`
	Type              string   `json:"type"`
	Required          bool     `json:"required"`
	Default           any      `json:"default,omitempty"`
	AllowedValues     []any    `json:"allowed_values,omitempty"`
	MinValue          *float64 `json:"min_value,omitempty"`
	MaxValue          *float64 `json:"max_value,omitempty"`
	MinLength         *int     `json:"min_length,omitempty"`
	MaxLength         *int     `json:"max_length,omitempty"`
	Pattern           string   `json:"pattern,omitempty"`
	Description       string   `json:"description,omitempty"`
	ValidationMessage string   `json:"validation_message,omitempty"`
}

// Catalog is the read-only view over available templates.
type Catalog interface {
	ListTemplates(ctx context.Context, provider string) ([]Template, error)
	GetTemplate(ctx context.Context, provider, name string) (*Template, error)
	GetParameters(ctx context.Context, provider, name string) ([]Parameter, error)
}

// FileCatalog reads templates from <root>/terraform/<provider>/<name>.tf with an
// optional <name>.metadata.json next to each file.
type FileCatalog struct {
	root string
}

var _ Catalog = (*FileCatalog)(nil)

func NewFileCatalog(root string) *FileCatalog {
	return &FileCatalog{root: root}
}

var templateNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

type metadataFile struct {
	DisplayName string              `json:"displayName"`
	Description string              `json:"description"`
	Category    string              `json:"category"`
	Icon        string              `json:"icon"`
	Parameters  []parameterOverride `json:"parameters"`
}

type parameterOverride struct {
	Name              string   `json:"name"`
	Required          *bool    `json:"required"`
	AllowedValues     []any    `json:"allowed_values"`
	MinValue          *float64 `json:"min_value"`
	MaxValue          *float64 `json:"max_value"`
	MinLength         *int     `json:"min_length"`
	MaxLength         *int     `json:"max_length"`
	Pattern           string   `json:"pattern"`
	Description       string   `json:"description"`
	ValidationMessage string   `json:"validation_message"`
}

func (c *FileCatalog) providerDir(provider string) string {
	return filepath.Join(c.root, FormatTerraform, provider)
}

func (c *FileCatalog) ListTemplates(ctx context.Context, provider string) ([]Template, error) {
	providers := []string{models.ProviderAzure, models.ProviderGCP}
	if provider != "" {
		if !models.IsProvider(provider) {
			return nil, appErr.New(appErr.CodeInvalid, "unsupported provider "+provider)
		}
		providers = []string{provider}
	}

	out := []Template{}
	for _, p := range providers {
		entries, err := os.ReadDir(c.providerDir(p))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.L().Warn("template directory not found", zap.String("provider", p), zap.String("dir", c.providerDir(p)))
				continue
			}
			return nil, appErr.Wrap(err, appErr.CodeInternal, "read template directory failed")
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".tf" {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".tf")
			t, err := c.load(p, name)
			if err != nil {
				logger.L().Error("skip unreadable template", zap.String("provider", p), zap.String("template", name), zap.Error(err))
				continue
			}
			out = append(out, t.Template)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderType != out[j].ProviderType {
			return out[i].ProviderType < out[j].ProviderType
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (c *FileCatalog) GetTemplate(ctx context.Context, provider, name string) (*Template, error) {
	t, err := c.load(provider, name)
	if err != nil {
		return nil, err
	}
	return &t.Template, nil
}

func (c *FileCatalog) GetParameters(ctx context.Context, provider, name string) ([]Parameter, error) {
	t, err := c.load(provider, name)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(t.Path)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeNotFound, "failed to load template parameters")
	}
	params, err := ParseVariables(src, t.Path)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "failed to parse template parameters")
	}
	applyOverrides(params, t.meta.Parameters)
	return params, nil
}

type loadedTemplate struct {
	Template
	meta metadataFile
}

func (c *FileCatalog) load(provider, name string) (*loadedTemplate, error) {
	if !models.IsProvider(provider) || !templateNameRe.MatchString(name) {
		return nil, appErr.New(appErr.CodeNotFound, "failed to load template parameters")
	}
	path := filepath.Join(c.providerDir(provider), name+".tf")
	if _, err := os.Stat(path); err != nil {
		return nil, appErr.New(appErr.CodeNotFound, "failed to load template parameters").
			WithMeta("template", provider+"/"+name)
	}

	lt := &loadedTemplate{Template: Template{
		ProviderType: provider,
		Name:         name,
		DisplayName:  displayName(name),
		Format:       FormatTerraform,
		Icon:         iconFor(name),
		Path:         path,
	}}

	metaPath := filepath.Join(c.providerDir(provider), name+".metadata.json")
	if b, err := os.ReadFile(metaPath); err == nil {
		if err := json.Unmarshal(b, &lt.meta); err != nil {
			logger.L().Warn("invalid template metadata", zap.String("path", metaPath), zap.Error(err))
		}
	}
	if lt.meta.DisplayName != "" {
		lt.DisplayName = lt.meta.DisplayName
	}
	lt.Description = lt.meta.Description
	lt.Category = lt.meta.Category
	if lt.meta.Icon != "" {
		lt.Icon = lt.meta.Icon
	}
	if lt.Description == "" {
		lt.Description = leadingComment(path)
	}
	return lt, nil
}

func applyOverrides(params []Parameter, overrides []parameterOverride) {
	byName := make(map[string]parameterOverride, len(overrides))
	for _, o := range overrides {
		byName[o.Name] = o
	}
	for i := range params {
		o, ok := byName[params[i].Name]
		if !ok {
			continue
		}
		p := &params[i]
		if o.Required != nil {
			p.Required = *o.Required
		}
		if len(o.AllowedValues) > 0 {
			p.AllowedValues = o.AllowedValues
		}
		if o.MinValue != nil {
			p.MinValue = o.MinValue
		}
		if o.MaxValue != nil {
			p.MaxValue = o.MaxValue
		}
		if o.MinLength != nil {
			p.MinLength = o.MinLength
		}
		if o.MaxLength != nil {
			p.MaxLength = o.MaxLength
		}
		if o.Pattern != "" {
			p.Pattern = o.Pattern
		}
		if o.Description != "" {
			p.Description = o.Description
		}
		if o.ValidationMessage != "" {
			p.ValidationMessage = o.ValidationMessage
		}
	}
}

// displayName turns "storage-account_v2" into "Storage Account V2".
func displayName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

var iconKeywords = []struct{ keyword, icon string }{
	{"storage", "hdd-stack"},
	{"bucket", "hdd-stack"},
	{"compute", "pc-display"},
	{"instance", "pc-display"},
	{"virtual-machine", "pc-display"},
	{"vm", "pc-display"},
	{"function", "code-slash"},
	{"web", "globe"},
	{"app", "app"},
	{"database", "server"},
	{"sql", "server"},
	{"network", "diagram-3"},
	{"vpc", "diagram-3"},
	{"security", "shield-check"},
	{"key", "key"},
	{"vault", "lock"},
}

func iconFor(name string) string {
	lower := strings.ToLower(name)
	for _, k := range iconKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.icon
		}
	}
	return "file-code"
}

func leadingComment(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}
