package models

import (
	"slices"
	"strings"
	"time"
)

// AccessKey is a caller-presented credential bound to a project.
type AccessKey struct {
	ProjectID       uint64     `json:"projectId"`
	ChainIDs        []uint64   `json:"chainIds"`
	DisplayName     string     `json:"displayName"`
	AccessKey       string     `json:"accessKey"`
	Active          bool       `json:"active"`
	Default         bool       `json:"default"`
	RequireOrigin   bool       `json:"requireOrigin"`
	AllowedOrigins  []string   `json:"allowedOrigins"`
	AllowedServices []Service  `json:"allowedServices"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`

	// Version is bumped on every successful write and used for
	// compare-and-set updates. It never leaves the process.
	Version int64 `json:"-"`
}

// ValidateOrigin reports whether origin may use the key. An empty allow-list
// permits any origin; RequireOrigin rejects requests with no origin at all.
func (k *AccessKey) ValidateOrigin(origin string) bool {
	if origin == "" {
		return !k.RequireOrigin
	}
	if len(k.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range k.AllowedOrigins {
		if matchOrigin(allowed, origin) {
			return true
		}
	}
	return false
}

// ValidateService reports whether the key is enabled for service. An empty
// list enables every service.
func (k *AccessKey) ValidateService(service Service) bool {
	return len(k.AllowedServices) == 0 || slices.Contains(k.AllowedServices, service)
}

// ValidateChainID reports whether the key is enabled for the chain. An empty
// list enables every chain.
func (k *AccessKey) ValidateChainID(chainID uint64) bool {
	return len(k.ChainIDs) == 0 || slices.Contains(k.ChainIDs, chainID)
}

// matchOrigin compares an allow-list entry with a request origin. Entries
// with a scheme must match it exactly; "*." matches any subdomain depth but
// not the bare domain.
func matchOrigin(allowed, origin string) bool {
	allowed = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(allowed)), "/")
	origin = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")

	aScheme, aHost := splitOrigin(allowed)
	oScheme, oHost := splitOrigin(origin)
	if aScheme != "" && aScheme != oScheme {
		return false
	}
	if rest, ok := strings.CutPrefix(aHost, "*."); ok {
		return strings.HasSuffix(oHost, "."+rest)
	}
	return aHost == oHost
}

func splitOrigin(s string) (scheme, host string) {
	scheme, host, ok := strings.Cut(s, "://")
	if !ok {
		return "", s
	}
	host, _, _ = strings.Cut(host, "/")
	return scheme, host
}

// Limit is the quota configuration in effect for a project.
type Limit struct {
	MaxKeys           int64 `json:"maxKeys" yaml:"max_keys" validate:"gte=0"`
	RateLimit         int64 `json:"rateLimit" yaml:"rate_limit" validate:"gte=0"`
	FreeWarn          int64 `json:"freeWarn" yaml:"free_warn" validate:"gte=0,ltefield=FreeMax"`
	FreeMax           int64 `json:"freeMax" yaml:"free_max" validate:"gte=0"`
	OverWarn          int64 `json:"overWarn" yaml:"over_warn" validate:"gte=0,ltefield=OverMax"`
	OverMax           int64 `json:"overMax" yaml:"over_max" validate:"gte=0"`
	BlockTransactions bool  `json:"blockTransactions" yaml:"block_transactions"`
}

// Cycle is a usage accounting window, [Start, End).
type Cycle struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the cycle.
func (c Cycle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// Valid reports whether the cycle has a positive length.
func (c Cycle) Valid() bool {
	return !c.Start.IsZero() && c.End.After(c.Start)
}

// AccessUsage accumulates compute units by class.
type AccessUsage struct {
	ValidCompute   int64 `json:"validCompute"`
	OverCompute    int64 `json:"overCompute"`
	LimitedCompute int64 `json:"limitedCompute"`
}

// Add merges other into u.
func (u *AccessUsage) Add(other AccessUsage) {
	u.ValidCompute += other.ValidCompute
	u.OverCompute += other.OverCompute
	u.LimitedCompute += other.LimitedCompute
}

// Consumed is the compute counted against the quota: valid plus over.
func (u AccessUsage) Consumed() int64 {
	return u.ValidCompute + u.OverCompute
}

// Total is every unit seen, including rejected ones.
func (u AccessUsage) Total() int64 {
	return u.ValidCompute + u.OverCompute + u.LimitedCompute
}

// IsZero reports whether no compute has been recorded.
func (u AccessUsage) IsZero() bool {
	return u == AccessUsage{}
}

// AccessQuota is the composite view cached on the request path.
type AccessQuota struct {
	Cycle     *Cycle     `json:"cycle"`
	Limit     *Limit     `json:"limit"`
	AccessKey *AccessKey `json:"accessKey"`
}

// ProjectStatus carries the live admission counters of a project.
// UsageCounter is the largest per-service total in UsageByService, since
// limits are enforced per service.
type ProjectStatus struct {
	ProjectID        uint64            `json:"projectId"`
	Limit            *Limit            `json:"limit"`
	UsageCounter     int64             `json:"usageCounter"`
	UsageByService   map[Service]int64 `json:"usageByService,omitempty"`
	RateLimitCounter int64             `json:"ratelimitCounter"`
}

type Subscription struct {
	Tier string `json:"tier" yaml:"tier"`
}

type Minter struct {
	Contracts []string `json:"contracts" yaml:"contracts"`
}

// ResourceAccess is entitlement data passed through from the permission
// source.
type ResourceAccess struct {
	ProjectID    uint64        `json:"projectId"`
	Subscription *Subscription `json:"subscription"`
	Minter       *Minter       `json:"minter"`
}
