// Package options resolves the choices offered for template parameters whose
// values come from live cloud inventory.
package options

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/iac-studio/portal/internal/metrics"
	"github.com/iac-studio/portal/internal/models"
	"github.com/iac-studio/portal/pkg/logger"
	"github.com/iac-studio/portal/pkg/utils"
)

// CreateNewResourceGroup is the sentinel option that asks the engine to create
// the resource group instead of using an existing one.
const CreateNewResourceGroup = "__create_new__"

// Option is one selectable value for a parameter.
type Option struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	VCPUs       *float64 `json:"vcpus,omitempty"`
	MemoryGB    *float64 `json:"memory_gb,omitempty"`
	Region      string   `json:"region,omitempty"`
}

// AzureSource lists Azure inventory.
type AzureSource interface {
	Locations(ctx context.Context) ([]Option, error)
	VMSizes(ctx context.Context, location string) ([]Option, error)
	ResourceGroups(ctx context.Context) ([]Option, error)
}

// GCPSource lists GCP inventory.
type GCPSource interface {
	Regions(ctx context.Context) ([]Option, error)
	Zones(ctx context.Context, region string) ([]Option, error)
	MachineTypes(ctx context.Context, zone string) ([]Option, error)
	Projects(ctx context.Context) ([]Option, error)
}

var errMissingContext = errors.New("missing resolution context")
var errNoSource = errors.New("discovery not configured")

type lookup func(ctx context.Context, values map[string]string) ([]Option, error)

// Config wires the resolver. A nil source leaves that provider's parameters
// resolving to empty lists.
type Config struct {
	Azure   AzureSource
	GCP     GCPSource
	TTL     time.Duration
	Timeout time.Duration
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Resolver maps (provider, parameter, context) to options. It never returns an
// error: failures are logged and yield an empty list.
type Resolver struct {
	rules   map[string]map[string]lookup
	cache   *cache
	group   singleflight.Group
	timeout time.Duration
	metrics *metrics.Collector
}

func NewResolver(cfg Config) *Resolver {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	r := &Resolver{
		cache:   newCache(clk, cfg.TTL),
		timeout: timeout,
		metrics: cfg.Metrics,
	}
	r.rules = map[string]map[string]lookup{
		models.ProviderAzure: azureRules(cfg.Azure),
		models.ProviderGCP:   gcpRules(cfg.GCP),
	}
	return r
}

func azureRules(src AzureSource) map[string]lookup {
	resourceGroups := func(ctx context.Context, _ map[string]string) ([]Option, error) {
		if src == nil {
			return nil, errNoSource
		}
		groups, err := src.ResourceGroups(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Option, 0, len(groups)+1)
		out = append(out, Option{Name: CreateNewResourceGroup, DisplayName: "+ Create new resource group"})
		return append(out, groups...), nil
	}
	return map[string]lookup{
		"vm_size": func(ctx context.Context, v map[string]string) ([]Option, error) {
			if src == nil {
				return nil, errNoSource
			}
			if v["location"] == "" {
				return nil, fmt.Errorf("%w: location", errMissingContext)
			}
			return src.VMSizes(ctx, v["location"])
		},
		"location": func(ctx context.Context, _ map[string]string) ([]Option, error) {
			if src == nil {
				return nil, errNoSource
			}
			return src.Locations(ctx)
		},
		"resource_group":      resourceGroups,
		"resource_group_name": resourceGroups,
	}
}

func gcpRules(src GCPSource) map[string]lookup {
	return map[string]lookup{
		"machine_type": func(ctx context.Context, v map[string]string) ([]Option, error) {
			if src == nil {
				return nil, errNoSource
			}
			zone := v["zone"]
			if zone == "" && v["region"] != "" {
				zones, err := src.Zones(ctx, v["region"])
				if err != nil {
					return nil, err
				}
				if len(zones) > 0 {
					zone = zones[0].Name
				}
			}
			if zone == "" {
				return nil, fmt.Errorf("%w: zone or region", errMissingContext)
			}
			return src.MachineTypes(ctx, zone)
		},
		"zone": func(ctx context.Context, v map[string]string) ([]Option, error) {
			if src == nil {
				return nil, errNoSource
			}
			return src.Zones(ctx, v["region"])
		},
		"region": func(ctx context.Context, _ map[string]string) ([]Option, error) {
			if src == nil {
				return nil, errNoSource
			}
			return src.Regions(ctx)
		},
		"project_id": func(ctx context.Context, _ map[string]string) ([]Option, error) {
			if src == nil {
				return nil, errNoSource
			}
			return src.Projects(ctx)
		},
	}
}

// Supports reports whether the parameter has a dynamic source for provider.
func (r *Resolver) Supports(provider, parameter string) bool {
	_, ok := r.rules[provider][parameter]
	return ok
}

// ResolveOptions returns nil for parameters without a dynamic source and an
// empty, non-nil list when the lookup fails.
func (r *Resolver) ResolveOptions(ctx context.Context, provider, parameter string, values map[string]string) []Option {
	fn, ok := r.rules[provider][parameter]
	if !ok {
		return nil
	}

	key := cacheKey{provider: provider, parameter: parameter, context: utils.HashMap(values)}
	if opts, ok := r.cache.get(key); ok {
		r.metrics.OptionCacheHit(provider)
		return slices.Clone(opts)
	}

	res, err, _ := r.group.Do(key.String(), func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		opts, err := fn(lctx, values)
		if err != nil {
			return nil, err
		}
		if opts == nil {
			opts = []Option{}
		}
		r.cache.put(key, opts)
		return opts, nil
	})
	if err != nil {
		logger.L().Warn("transient option resolution failure",
			zap.String("provider", provider),
			zap.String("parameter", parameter),
			zap.Error(err),
		)
		r.metrics.OptionFailure(provider, parameter)
		return []Option{}
	}
	return slices.Clone(res.([]Option))
}

// ResolveAll resolves several parameters concurrently against the same context.
// Parameters without a dynamic source are omitted from the result.
func (r *Resolver) ResolveAll(ctx context.Context, provider string, parameters []string, values map[string]string) map[string][]Option {
	var (
		mu  sync.Mutex
		out = make(map[string][]Option, len(parameters))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range parameters {
		if !r.Supports(provider, p) {
			continue
		}
		g.Go(func() error {
			opts := r.ResolveOptions(gctx, provider, p, values)
			mu.Lock()
			out[p] = opts
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Invalidate drops every cached entry, e.g. after cloud account credentials change.
func (r *Resolver) Invalidate() {
	r.cache.clear()
}

var kinds = map[string]map[string]string{
	models.ProviderAzure: {
		"vm-sizes":        "vm_size",
		"locations":       "location",
		"resource-groups": "resource_group_name",
	},
	models.ProviderGCP: {
		"machine-types": "machine_type",
		"zones":         "zone",
		"regions":       "region",
		"projects":      "project_id",
	},
}

// ParameterForKind maps a discovery URL segment such as "vm-sizes" to its parameter name.
func ParameterForKind(provider, kind string) (string, bool) {
	p, ok := kinds[provider][kind]
	return p, ok
}
