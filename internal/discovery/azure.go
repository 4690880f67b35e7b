// Package discovery lists live cloud inventory (regions, sizes, groups, projects)
// for the dynamic option provider.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"

	"github.com/iac-studio/portal/internal/options"
)

// AzureConfig selects the subscription and service principal used for discovery.
// Without a client secret the default credential chain is used.
type AzureConfig struct {
	SubscriptionID string
	TenantID       string
	ClientID       string
	ClientSecret   string
}

// Azure lists locations, VM sizes and resource groups of one subscription.
type Azure struct {
	subscriptionID string
	credential     azcore.TokenCredential
	subscriptions  *armsubscriptions.Client
	groups         *armresources.ResourceGroupsClient
}

var _ options.AzureSource = (*Azure)(nil)

// AzureCredential builds a service principal credential, or the default chain
// when no secret is configured.
func AzureCredential(tenantID, clientID, clientSecret string) (azcore.TokenCredential, error) {
	if tenantID != "" && clientID != "" && clientSecret != "" {
		return azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

func NewAzure(cfg AzureConfig) (*Azure, error) {
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("azure discovery requires a subscription id")
	}
	cred, err := AzureCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	subs, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("subscriptions client: %w", err)
	}
	groups, err := armresources.NewResourceGroupsClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("resource groups client: %w", err)
	}
	return &Azure{
		subscriptionID: cfg.SubscriptionID,
		credential:     cred,
		subscriptions:  subs,
		groups:         groups,
	}, nil
}

func (a *Azure) Locations(ctx context.Context) ([]options.Option, error) {
	var out []options.Option
	pager := a.subscriptions.NewListLocationsPager(a.subscriptionID, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list locations: %w", err)
		}
		for _, loc := range page.Value {
			if loc == nil || loc.Name == nil {
				continue
			}
			// logical regions (e.g. "global", "unitedstates") cannot host resources
			if loc.Metadata != nil && loc.Metadata.RegionType != nil && string(*loc.Metadata.RegionType) == "Logical" {
				continue
			}
			display := deref(loc.DisplayName)
			if display == "" {
				display = deref(loc.RegionalDisplayName)
			}
			out = append(out, options.Option{Name: *loc.Name, DisplayName: display})
		}
	}
	sortByDisplay(out)
	return out, nil
}

func (a *Azure) VMSizes(ctx context.Context, location string) ([]options.Option, error) {
	client, err := armcompute.NewVirtualMachineSizesClient(a.subscriptionID, a.credential, nil)
	if err != nil {
		return nil, fmt.Errorf("vm sizes client: %w", err)
	}
	var out []options.Option
	pager := client.NewListPager(location, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list vm sizes in %s: %w", location, err)
		}
		for _, size := range page.Value {
			if size == nil || size.Name == nil {
				continue
			}
			cores := float64(deref(size.NumberOfCores))
			mem := memoryGB(int64(deref(size.MemoryInMB)))
			out = append(out, sizeOption(*size.Name, cores, mem))
		}
	}
	sortByName(out)
	return out, nil
}

func (a *Azure) ResourceGroups(ctx context.Context) ([]options.Option, error) {
	var out []options.Option
	pager := a.groups.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resource groups: %w", err)
		}
		for _, rg := range page.Value {
			if rg == nil || rg.Name == nil {
				continue
			}
			out = append(out, options.Option{
				Name:        *rg.Name,
				DisplayName: *rg.Name,
				Region:      deref(rg.Location),
			})
		}
	}
	sortByName(out)
	return out, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func sortByName(opts []options.Option) {
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].Name < opts[j].Name })
}

func sortByDisplay(opts []options.Option) {
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].DisplayName < opts[j].DisplayName })
}
