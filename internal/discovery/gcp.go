package discovery

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"

	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/iac-studio/portal/internal/options"
)

// GCPConfig selects the project and optional service account key used for discovery.
type GCPConfig struct {
	ProjectID       string
	CredentialsFile string
}

// GCP lists regions, zones, machine types and visible projects.
type GCP struct {
	projectID string
	compute   *compute.Service
	projects  *cloudresourcemanager.Service
}

var _ options.GCPSource = (*GCP)(nil)

func NewGCP(ctx context.Context, cfg GCPConfig) (*GCP, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("gcp discovery requires a project id")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("compute service: %w", err)
	}
	crm, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("resource manager service: %w", err)
	}
	return &GCP{projectID: cfg.ProjectID, compute: svc, projects: crm}, nil
}

func (g *GCP) Regions(ctx context.Context) ([]options.Option, error) {
	var out []options.Option
	err := g.compute.Regions.List(g.projectID).Context(ctx).Pages(ctx, func(page *compute.RegionList) error {
		for _, r := range page.Items {
			if r.Status != "" && r.Status != "UP" {
				continue
			}
			out = append(out, options.Option{Name: r.Name, DisplayName: r.Name, Description: r.Description})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	sortByName(out)
	return out, nil
}

// Zones lists the zones of the project, restricted to region when it is set.
func (g *GCP) Zones(ctx context.Context, region string) ([]options.Option, error) {
	var out []options.Option
	err := g.compute.Zones.List(g.projectID).Context(ctx).Pages(ctx, func(page *compute.ZoneList) error {
		for _, z := range page.Items {
			if z.Status != "" && z.Status != "UP" {
				continue
			}
			zoneRegion := path.Base(z.Region)
			if region != "" && zoneRegion != region {
				continue
			}
			out = append(out, options.Option{
				Name:        z.Name,
				DisplayName: z.Name,
				Description: z.Description,
				Region:      zoneRegion,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	sortByName(out)
	return out, nil
}

func (g *GCP) MachineTypes(ctx context.Context, zone string) ([]options.Option, error) {
	var out []options.Option
	err := g.compute.MachineTypes.List(g.projectID, zone).Context(ctx).Pages(ctx, func(page *compute.MachineTypeList) error {
		for _, mt := range page.Items {
			if mt.Deprecated != nil && mt.Deprecated.State != "" {
				continue
			}
			out = append(out, sizeOption(mt.Name, float64(mt.GuestCpus), memoryGB(mt.MemoryMb)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list machine types in %s: %w", zone, err)
	}
	sortByName(out)
	return out, nil
}

func (g *GCP) Projects(ctx context.Context) ([]options.Option, error) {
	var out []options.Option
	err := g.projects.Projects.List().Context(ctx).Pages(ctx, func(page *cloudresourcemanager.ListProjectsResponse) error {
		for _, p := range page.Projects {
			if p.LifecycleState != "" && p.LifecycleState != "ACTIVE" {
				continue
			}
			display := p.Name
			if display == "" {
				display = p.ProjectId
			}
			out = append(out, options.Option{Name: p.ProjectId, DisplayName: display})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	if len(out) == 0 {
		out = append(out, options.Option{Name: g.projectID, DisplayName: g.projectID})
	}
	sortByName(out)
	return out, nil
}

// memoryGB converts megabytes to gigabytes rounded to two decimals.
func memoryGB(mb int64) float64 {
	return math.Round(float64(mb)/1024*100) / 100
}

// sizeOption describes a VM size or machine type, e.g. "2 vCPUs, 8 GB RAM".
func sizeOption(name string, vcpus, memGB float64) options.Option {
	unit := "vCPUs"
	if vcpus == 1 {
		unit = "vCPU"
	}
	desc := fmt.Sprintf("%s %s, %s GB RAM", trimFloat(vcpus), unit, trimFloat(memGB))
	return options.Option{
		Name:        name,
		DisplayName: name,
		Description: desc,
		VCPUs:       &vcpus,
		MemoryGB:    &memGB,
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
