// Package isolation provisions per-user filesystem environments and enforces
// per-user resource quotas.
package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Resource names a quota-limited per-user resource kind.
type Resource string

const (
	ResourceStorage     Resource = "storage"
	ResourceSessions    Resource = "sessions"
	ResourceConnections Resource = "connections"
)

// ResourceLimits caps a user's measurable resources.
type ResourceLimits struct {
	MaxStorageBytes int64
	MaxSessions     int
	MaxConnections  int
}

// Paths names the subdirectories of a user environment.
type Paths struct {
	Data       string `json:"data"`
	Settings   string `json:"settings"`
	Extensions string `json:"extensions"`
	Workspaces string `json:"workspaces"`
	Logs       string `json:"logs"`
}

// Environment describes one user's provisioned filesystem area. Provisioned
// once per user and removed only by an explicit Destroy.
type Environment struct {
	UserID    string         `json:"user_id"`
	BasePath  string         `json:"base_path"`
	Paths     Paths          `json:"paths"`
	Limits    ResourceLimits `json:"limits"`
	CreatedAt time.Time      `json:"created_at"`
}

// ResourceUsage is computed on demand from current state, never persisted.
type ResourceUsage struct {
	UserID       string
	StorageBytes int64
	MeasuredAt   time.Time
}

// QuotaStatus reports one resource against its limit.
type QuotaStatus struct {
	Resource  Resource
	Current   int64
	Limit     int64
	Available int64
	Exceeded  bool
}

// Strategy separates one user's files and processes from another's. Two
// implementations share this contract: the directory strategy below and a
// container strategy reserved for a future stronger isolation tier.
type Strategy interface {
	Initialize(ctx context.Context, userID string) (*Environment, error)
	Destroy(ctx context.Context, userID string) error
	Usage(ctx context.Context, userID string) (*ResourceUsage, error)
	CheckQuota(ctx context.Context, userID string, resource Resource) (*QuotaStatus, error)
	EnforceStorageQuota(ctx context.Context, userID string) error
	CleanupIdle(ctx context.Context, olderThan time.Duration) (int, error)

	DataPath(userID string) string
	SettingsPath(userID string) string
	ExtensionsPath(userID string) string
	WorkspacesPath(userID string) string
	LogsPath(userID string) string
}

// New selects a Strategy implementation by configured name.
func New(kind, baseDir string, limits ResourceLimits, sessions SessionCounter, logger *slog.Logger) (Strategy, error) {
	switch kind {
	case "directory", "":
		return NewDirectoryStrategy(baseDir, limits, sessions, logger), nil
	case "container":
		return NewContainerStrategy(), nil
	default:
		return nil, fmt.Errorf("isolation: unknown strategy %q", kind)
	}
}
