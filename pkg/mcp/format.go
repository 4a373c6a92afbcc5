package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

func shortKey(key string) string {
	if len(key) > 20 {
		return key[:8] + "..." + key[len(key)-8:]
	}
	return key
}

func formatStatus(s *models.ProjectStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project %d\n", s.ProjectID)
	if s.Limit != nil {
		b.WriteString(formatLimit(s.Limit))
		fmt.Fprintf(&b, "Usage:      %d / %d (remaining %d, overage %d)\n",
			s.UsageCounter, s.Limit.FreeMax, s.Limit.Remaining(s.UsageCounter), s.Limit.Overage(s.UsageCounter))
	} else {
		fmt.Fprintf(&b, "Usage:      %d\n", s.UsageCounter)
	}
	for _, svc := range models.Services() {
		if v, ok := s.UsageByService[svc]; ok {
			fmt.Fprintf(&b, "  %-12s %d\n", svc.String()+":", v)
		}
	}
	fmt.Fprintf(&b, "Rate limit: %d requests in the current window\n", s.RateLimitCounter)
	return b.String()
}

func formatLimit(l *models.Limit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Limit:      free %d (warn %d), over %d (warn %d), rate %d, keys %d",
		l.FreeMax, l.FreeWarn, l.OverMax, l.OverWarn, l.RateLimit, l.MaxKeys)
	if l.BlockTransactions {
		b.WriteString(", blocking")
	}
	b.WriteString("\n")
	return b.String()
}

func formatKeys(keys []*models.AccessKey) string {
	if len(keys) == 0 {
		return "No access keys found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-20s %-8s %-8s %s\n", "Access Key", "Name", "Active", "Default", "Services")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, k := range keys {
		services := "all"
		if len(k.AllowedServices) > 0 {
			names := make([]string, len(k.AllowedServices))
			for i, s := range k.AllowedServices {
				names[i] = s.String()
			}
			services = strings.Join(names, ",")
		}
		fmt.Fprintf(&b, "%-20s %-20s %-8t %-8t %s\n", shortKey(k.AccessKey), k.DisplayName, k.Active, k.Default, services)
	}
	return b.String()
}

func formatUsage(subject string, u *models.AccessUsage) string {
	if u == nil || u.IsZero() {
		return fmt.Sprintf("No usage recorded for %s.", subject)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Usage for %s\n", subject)
	fmt.Fprintf(&b, "%10s %10s %10s %10s\n", "Valid", "Over", "Limited", "Total")
	b.WriteString(strings.Repeat("-", 43) + "\n")
	fmt.Fprintf(&b, "%10d %10d %10d %10d\n", u.ValidCompute, u.OverCompute, u.LimitedCompute, u.Total())
	return b.String()
}

func formatQuota(q *models.AccessQuota) string {
	var b strings.Builder
	if q.AccessKey != nil {
		fmt.Fprintf(&b, "Project %d, key %s\n", q.AccessKey.ProjectID, shortKey(q.AccessKey.AccessKey))
	}
	if q.Cycle != nil {
		fmt.Fprintf(&b, "Cycle:      %s to %s\n", q.Cycle.Start.Format("2006-01-02"), q.Cycle.End.Format("2006-01-02"))
	}
	if q.Limit != nil {
		b.WriteString(formatLimit(q.Limit))
	}
	return b.String()
}

func formatPermission(userID string, p models.UserPermission, r *models.ResourceAccess) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User %s: %s\n", userID, p)
	if r == nil {
		return b.String()
	}
	if r.Subscription != nil && r.Subscription.Tier != "" {
		fmt.Fprintf(&b, "Tier:       %s\n", r.Subscription.Tier)
	}
	if r.Minter != nil && len(r.Minter.Contracts) > 0 {
		fmt.Fprintf(&b, "Contracts:  %s\n", strings.Join(r.Minter.Contracts, ", "))
	}
	return b.String()
}
