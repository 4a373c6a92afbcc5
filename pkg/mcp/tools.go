package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

type tool struct {
	def  ToolDefinition
	call func(ctx context.Context, qc models.QuotaControl, args json.RawMessage) ToolCallResult
}

type projectArgs struct {
	ProjectID uint64 `json:"project_id"`
}

type listKeysArgs struct {
	ProjectID       uint64 `json:"project_id"`
	IncludeDisabled bool   `json:"include_disabled"`
}

type usageArgs struct {
	ProjectID uint64 `json:"project_id"`
	AccessKey string `json:"access_key"`
	Service   string `json:"service"`
	Since     string `json:"since"`
	Until     string `json:"until"`
	Async     bool   `json:"async"`
}

type quotaArgs struct {
	ProjectID uint64 `json:"project_id"`
	AccessKey string `json:"access_key"`
}

type permissionArgs struct {
	ProjectID uint64 `json:"project_id"`
	UserID    string `json:"user_id"`
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var tools = []tool{
	{
		def: ToolDefinition{
			Name:        "quota_project_status",
			Description: "Show the limit, cycle usage counter and rate limit counter of a project.",
			InputSchema: schema([]string{"project_id"}, map[string]any{
				"project_id": prop("integer", "Project ID"),
			}),
		},
		call: projectStatus,
	},
	{
		def: ToolDefinition{
			Name:        "quota_list_keys",
			Description: "List the access keys of a project.",
			InputSchema: schema([]string{"project_id"}, map[string]any{
				"project_id":       prop("integer", "Project ID"),
				"include_disabled": prop("boolean", "Include disabled keys (default false)"),
			}),
		},
		call: listKeys,
	},
	{
		def: ToolDefinition{
			Name:        "quota_usage",
			Description: "Show compute usage of a project or a single access key, split into valid, over and limited units.",
			InputSchema: schema(nil, map[string]any{
				"project_id": prop("integer", "Project ID (required unless access_key is set)"),
				"access_key": prop("string", "Access key (optional)"),
				"service":    prop("string", "Service name filter (optional)"),
				"since":      prop("string", "Start date in YYYY-MM-DD format (optional, defaults to the current cycle)"),
				"until":      prop("string", "End date in YYYY-MM-DD format (optional)"),
				"async":      prop("boolean", "Include usage still pending flush (project only)"),
			}),
		},
		call: usage,
	},
	{
		def: ToolDefinition{
			Name:        "quota_access_quota",
			Description: "Show the cycle, limit and key that gate requests for an access key or a project.",
			InputSchema: schema(nil, map[string]any{
				"project_id": prop("integer", "Project ID (used when access_key is empty)"),
				"access_key": prop("string", "Access key (optional)"),
			}),
		},
		call: accessQuota,
	},
	{
		def: ToolDefinition{
			Name:        "quota_user_permission",
			Description: "Show the permission level and entitlements of a user on a project.",
			InputSchema: schema([]string{"project_id", "user_id"}, map[string]any{
				"project_id": prop("integer", "Project ID"),
				"user_id":    prop("string", "User ID"),
			}),
		},
		call: userPermission,
	},
}

var toolsByName = func() map[string]tool {
	m := make(map[string]tool, len(tools))
	for _, t := range tools {
		m[t.def.Name] = t
	}
	return m
}()

func definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = t.def
	}
	return out
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func projectStatus(ctx context.Context, qc models.QuotaControl, raw json.RawMessage) ToolCallResult {
	var args projectArgs
	if err := decode(raw, &args); err != nil {
		return failure(err.Error())
	}
	if args.ProjectID == 0 {
		return failure("project_id is required")
	}
	status, err := qc.GetProjectStatus(ctx, args.ProjectID)
	if err != nil {
		return failure("Error fetching project status: " + err.Error())
	}
	return text(formatStatus(status))
}

func listKeys(ctx context.Context, qc models.QuotaControl, raw json.RawMessage) ToolCallResult {
	var args listKeysArgs
	if err := decode(raw, &args); err != nil {
		return failure(err.Error())
	}
	if args.ProjectID == 0 {
		return failure("project_id is required")
	}
	var active *bool
	if !args.IncludeDisabled {
		t := true
		active = &t
	}
	keys, err := qc.ListAccessKeys(ctx, args.ProjectID, active, nil)
	if err != nil {
		return failure("Error listing access keys: " + err.Error())
	}
	return text(formatKeys(keys))
}

func usage(ctx context.Context, qc models.QuotaControl, raw json.RawMessage) ToolCallResult {
	var args usageArgs
	if err := decode(raw, &args); err != nil {
		return failure(err.Error())
	}
	var service *models.Service
	if args.Service != "" {
		s, err := models.ParseService(args.Service)
		if err != nil {
			return failure(err.Error())
		}
		service = &s
	}
	from, err := parseDay(args.Since)
	if err != nil {
		return failure("invalid since: " + err.Error())
	}
	to, err := parseDay(args.Until)
	if err != nil {
		return failure("invalid until: " + err.Error())
	}

	var u *models.AccessUsage
	subject := fmt.Sprintf("project %d", args.ProjectID)
	switch {
	case args.AccessKey != "":
		subject = "key " + shortKey(args.AccessKey)
		u, err = qc.GetAccessKeyUsage(ctx, args.AccessKey, service, from, to)
	case args.ProjectID == 0:
		return failure("project_id or access_key is required")
	case args.Async:
		u, err = qc.GetAsyncUsage(ctx, args.ProjectID, service, from, to)
	default:
		u, err = qc.GetAccountUsage(ctx, args.ProjectID, service, from, to)
	}
	if err != nil {
		return failure("Error fetching usage: " + err.Error())
	}
	return text(formatUsage(subject, u))
}

func accessQuota(ctx context.Context, qc models.QuotaControl, raw json.RawMessage) ToolCallResult {
	var args quotaArgs
	if err := decode(raw, &args); err != nil {
		return failure(err.Error())
	}
	var (
		q   *models.AccessQuota
		err error
	)
	now := time.Now().UTC()
	switch {
	case args.AccessKey != "":
		q, err = qc.GetAccessQuota(ctx, args.AccessKey, now)
	case args.ProjectID != 0:
		q, err = qc.GetProjectQuota(ctx, args.ProjectID, now)
	default:
		return failure("project_id or access_key is required")
	}
	if err != nil {
		return failure("Error fetching quota: " + err.Error())
	}
	return text(formatQuota(q))
}

func userPermission(ctx context.Context, qc models.QuotaControl, raw json.RawMessage) ToolCallResult {
	var args permissionArgs
	if err := decode(raw, &args); err != nil {
		return failure(err.Error())
	}
	if args.ProjectID == 0 || args.UserID == "" {
		return failure("project_id and user_id are required")
	}
	perm, access, err := qc.GetUserPermission(ctx, args.ProjectID, args.UserID)
	if err != nil {
		return failure("Error resolving permission: " + err.Error())
	}
	return text(formatPermission(args.UserID, perm, access))
}

func parseDay(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
