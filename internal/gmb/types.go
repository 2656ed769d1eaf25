package gmb

import (
	"strings"
	"time"
)

// ExternalAccount is a Business Profile account resource, passed through
// opaquely from the account management API.
type ExternalAccount struct {
	Name              string `json:"name"`
	AccountName       string `json:"accountName,omitempty"`
	Type              string `json:"type,omitempty"`
	Role              string `json:"role,omitempty"`
	VerificationState string `json:"verificationState,omitempty"`
}

// ExternalLocation is a physical business location, enriched with its
// verification state from the verifications API. Upstream payload fields are
// kept opaque; PrimaryCategory is a derived flat convenience field, the
// nested original stays under Categories.
type ExternalLocation struct {
	Name              string         `json:"name"`
	Title             string         `json:"title,omitempty"`
	StoreCode         string         `json:"storeCode,omitempty"`
	Categories        map[string]any `json:"categories,omitempty"`
	PrimaryCategory   string         `json:"primaryCategory,omitempty"`
	StorefrontAddress map[string]any `json:"storefrontAddress,omitempty"`
	PhoneNumbers      map[string]any `json:"phoneNumbers,omitempty"`
	WebsiteURI        string         `json:"websiteUri,omitempty"`
	RegularHours      map[string]any `json:"regularHours,omitempty"`
	Latlng            map[string]any `json:"latlng,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Verification      map[string]any `json:"verification"`
}

// Snapshot is the point-in-time result of the most recent successful sync.
type Snapshot struct {
	Accounts           []ExternalAccount  `json:"accounts"`
	Locations          []ExternalLocation `json:"locations"`
	AccountsFetchedAt  *time.Time         `json:"accounts_fetched_at,omitempty"`
	LocationsFetchedAt *time.Time         `json:"locations_fetched_at,omitempty"`
	SyncErrors         []string           `json:"sync_errors,omitempty"`
	FromCache          bool               `json:"from_cache,omitempty"`
}

// locationID derives the opaque external id from a location resource name.
// Both "locations/{id}" and "accounts/{a}/locations/{id}" shapes occur.
func locationID(resourceName string) string {
	name := strings.TrimRight(resourceName, "/")
	if idx := strings.LastIndex(name, "/locations/"); idx >= 0 {
		return name[idx+len("/locations/"):]
	}
	if rest, ok := strings.CutPrefix(name, "locations/"); ok {
		return rest
	}
	return name
}

// flatPrimaryCategory pulls the displayName out of the nested
// categories.primaryCategory structure.
func flatPrimaryCategory(categories map[string]any) string {
	primary, ok := categories["primaryCategory"].(map[string]any)
	if !ok {
		return ""
	}
	if display, ok := primary["displayName"].(string); ok {
		return display
	}
	if name, ok := primary["name"].(string); ok {
		return name
	}
	return ""
}
