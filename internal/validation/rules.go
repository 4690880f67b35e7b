package validation

import (
	"regexp"
	"strings"

	"github.com/iac-studio/portal/internal/models"
)

// Rule checks one string value. Check returns "" when the value passes.
type Rule struct {
	Name    string
	Applies func(param string) bool
	Check   func(value string) string
}

var (
	azureStorageRe  = regexp.MustCompile(`^[a-z0-9]{3,24}$`)
	azureRGRe       = regexp.MustCompile(`^[\w\-\.\(\)]{1,90}$`)
	gcpNameRe       = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)
	gcpResourceKind = []string{"bucket", "instance", "cluster"}
)

// providerRules holds the naming conventions of each cloud.
var providerRules = map[string][]Rule{
	models.ProviderAzure: {
		{
			Name: "azure_storage_account_name",
			Applies: func(p string) bool {
				return strings.Contains(p, "storage") && strings.Contains(p, "name")
			},
			Check: func(v string) string {
				if !azureStorageRe.MatchString(v) {
					return "Storage account name must be 3-24 characters, lowercase letters and numbers only"
				}
				return ""
			},
		},
		{
			Name:    "azure_resource_group_name",
			Applies: func(p string) bool { return strings.Contains(p, "resource_group") },
			Check: func(v string) string {
				if !azureRGRe.MatchString(v) {
					return "Resource group name must be 1-90 characters of letters, digits, underscores, hyphens, periods or parentheses"
				}
				return ""
			},
		},
	},
	models.ProviderGCP: {
		{
			Name:    "gcp_project_id",
			Applies: func(p string) bool { return strings.Contains(p, "project_id") },
			Check: func(v string) string {
				if len(v) < 6 || len(v) > 30 || !gcpNameRe.MatchString(v) {
					return "Project ID must be 6-30 characters, start with a letter, and contain only lowercase letters, digits, and hyphens"
				}
				return ""
			},
		},
		{
			Name: "gcp_resource_name",
			Applies: func(p string) bool {
				if !strings.Contains(p, "name") {
					return false
				}
				for _, kind := range gcpResourceKind {
					if strings.Contains(p, kind) {
						return true
					}
				}
				return false
			},
			Check: func(v string) string {
				if len(v) < 3 || len(v) > 63 || !gcpNameRe.MatchString(v) {
					return "Name must be 3-63 characters, start with a lowercase letter, and contain only lowercase letters, digits, and hyphens"
				}
				return ""
			},
		},
	},
}

// ipTokenRe matches one snake/kebab-case name token that denotes an IP address:
// "ip", "ips", compounds such as "publicip" or "ipaddress", but not "zip" or "description".
var ipTokenRe = regexp.MustCompile(
	`^(public|private|static|external|internal|host|server|client|node|vm|nat|gateway|lb|frontend|backend|bind|listen|source|src|dest|dst|target)?` +
		`ips?` +
		`(addr|addrs|address|addresses|v4)?$`)

// isIPParam reports whether any token of the parameter name denotes an IP address.
// "public_ip", "allowed_ips", "publicip" and "ipaddress" match; "description" does not.
func isIPParam(param string) bool {
	for _, part := range strings.FieldsFunc(param, func(r rune) bool { return r == '_' || r == '-' }) {
		if ipTokenRe.MatchString(part) {
			return true
		}
	}
	return false
}

func (v *Validator) structuralRules() []Rule {
	return []Rule{
		{
			Name:    "cidr",
			Applies: func(p string) bool { return strings.Contains(p, "cidr") },
			Check: func(s string) string {
				if v.validate.Var(s, "cidrv4") != nil || !cidrRe.MatchString(s) {
					return "Invalid CIDR notation (e.g., 10.0.0.0/16)"
				}
				return ""
			},
		},
		{
			Name: "ip",
			Applies: func(p string) bool {
				return !strings.Contains(p, "cidr") && isIPParam(p)
			},
			Check: func(s string) string {
				if v.validate.Var(s, "ipv4") != nil || !ipv4Re.MatchString(s) {
					return "Invalid IP address"
				}
				return ""
			},
		},
		{
			Name:    "email",
			Applies: func(p string) bool { return strings.Contains(p, "email") },
			Check: func(s string) string {
				if v.validate.Var(s, "email") != nil || !emailRe.MatchString(s) {
					return "Invalid email address"
				}
				return ""
			},
		},
	}
}

var (
	octet   = `(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)`
	ipv4Re  = regexp.MustCompile(`^` + octet + `(\.` + octet + `){3}$`)
	cidrRe  = regexp.MustCompile(`^` + octet + `(\.` + octet + `){3}/([0-9]|[12][0-9]|3[0-2])$`)
	emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)
