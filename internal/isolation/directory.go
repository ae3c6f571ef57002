package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeUserID strips every character outside [A-Za-z0-9_-] so a user id is
// safe to use as a single path segment. Traversal sequences reduce to their
// alphanumeric remainder.
func SanitizeUserID(userID string) (string, error) {
	clean := unsafePathChars.ReplaceAllString(userID, "")
	if clean == "" {
		return "", &shared.ValidationError{Field: "userId", Reason: "empty after sanitization"}
	}
	return clean, nil
}

const (
	settingsFileName = "settings.json"
	manifestFileName = "user-info.json"
)

var subdirNames = []string{"data", "settings", "extensions", "workspaces", "logs"}

// defaultSettings is written once per environment and never overwritten.
var defaultSettings = map[string]any{
	"workbench.colorTheme": "Default Dark Modern",
	"editor.fontSize":      14,
	"files.autoSave":       "afterDelay",
	"telemetry.enabled":    false,
}

// SessionCounter reports live sessions per user. Satisfied by the session store.
type SessionCounter interface {
	UserCount(ctx context.Context, userID string) (int, error)
}

// DirectoryStrategy isolates users under per-user directory trees rooted at a
// common base path, with owner-only permissions.
type DirectoryStrategy struct {
	base     string
	limits   ResourceLimits
	sessions SessionCounter
	logger   *slog.Logger
}

// NewDirectoryStrategy constructs the strategy. sessions may be nil when
// session quota checks are not needed.
func NewDirectoryStrategy(base string, limits ResourceLimits, sessions SessionCounter, logger *slog.Logger) *DirectoryStrategy {
	return &DirectoryStrategy{base: base, limits: limits, sessions: sessions, logger: logger}
}

func (d *DirectoryStrategy) userBase(userID string) (string, error) {
	clean, err := SanitizeUserID(userID)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.base, clean), nil
}

func (d *DirectoryStrategy) subPath(userID, name string) string {
	base, err := d.userBase(userID)
	if err != nil {
		return ""
	}
	return filepath.Join(base, name)
}

// DataPath returns the user's data directory.
func (d *DirectoryStrategy) DataPath(userID string) string { return d.subPath(userID, "data") }

// SettingsPath returns the user's settings directory.
func (d *DirectoryStrategy) SettingsPath(userID string) string { return d.subPath(userID, "settings") }

// ExtensionsPath returns the user's extensions directory.
func (d *DirectoryStrategy) ExtensionsPath(userID string) string {
	return d.subPath(userID, "extensions")
}

// WorkspacesPath returns the user's workspaces directory.
func (d *DirectoryStrategy) WorkspacesPath(userID string) string {
	return d.subPath(userID, "workspaces")
}

// LogsPath returns the user's logs directory.
func (d *DirectoryStrategy) LogsPath(userID string) string { return d.subPath(userID, "logs") }

// Initialize provisions the user's directory tree, default settings file and
// creation manifest. Idempotent: an existing settings file is kept as-is.
func (d *DirectoryStrategy) Initialize(ctx context.Context, userID string) (*Environment, error) {
	base, err := d.userBase(userID)
	if err != nil {
		return nil, err
	}

	for _, name := range subdirNames {
		if err := os.MkdirAll(filepath.Join(base, name), 0o700); err != nil {
			return nil, fmt.Errorf("isolation: create %s: %w", name, err)
		}
	}

	settingsPath := filepath.Join(base, "settings", settingsFileName)
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		data, err := json.MarshalIndent(defaultSettings, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("isolation: encode settings: %w", err)
		}
		if err := os.WriteFile(settingsPath, data, 0o600); err != nil {
			return nil, fmt.Errorf("isolation: write settings: %w", err)
		}
	}

	env := &Environment{
		UserID:   userID,
		BasePath: base,
		Paths: Paths{
			Data:       filepath.Join(base, "data"),
			Settings:   filepath.Join(base, "settings"),
			Extensions: filepath.Join(base, "extensions"),
			Workspaces: filepath.Join(base, "workspaces"),
			Logs:       filepath.Join(base, "logs"),
		},
		Limits:    d.limits,
		CreatedAt: time.Now().UTC(),
	}

	manifest, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("isolation: encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, manifestFileName), manifest, 0o600); err != nil {
		return nil, fmt.Errorf("isolation: write manifest: %w", err)
	}
	return env, nil
}

// Destroy removes the user's base path recursively. Failures propagate:
// a partial silent deletion would leave orphaned state behind.
func (d *DirectoryStrategy) Destroy(ctx context.Context, userID string) error {
	base, err := d.userBase(userID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(base); err != nil {
		return fmt.Errorf("isolation: destroy %s: %w", userID, err)
	}
	return nil
}

// Usage recursively sums file sizes under the user's base path.
func (d *DirectoryStrategy) Usage(ctx context.Context, userID string) (*ResourceUsage, error) {
	base, err := d.userBase(userID)
	if err != nil {
		return nil, err
	}

	var total int64
	err = filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("isolation: measure usage: %w", err)
	}
	return &ResourceUsage{UserID: userID, StorageBytes: total, MeasuredAt: time.Now().UTC()}, nil
}

// CheckQuota reports one resource against its limit.
func (d *DirectoryStrategy) CheckQuota(ctx context.Context, userID string, resource Resource) (*QuotaStatus, error) {
	var current, limit int64
	switch resource {
	case ResourceStorage:
		usage, err := d.Usage(ctx, userID)
		if err != nil {
			return nil, err
		}
		current = usage.StorageBytes
		limit = d.limits.MaxStorageBytes
	case ResourceSessions:
		if d.sessions != nil {
			count, err := d.sessions.UserCount(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("isolation: count sessions: %w", err)
			}
			current = int64(count)
		}
		limit = int64(d.limits.MaxSessions)
	case ResourceConnections:
		// Live connection tracking belongs to the transport layer; the quota
		// surface reports the configured ceiling.
		limit = int64(d.limits.MaxConnections)
	default:
		return nil, &shared.ValidationError{Field: "resource", Reason: fmt.Sprintf("unknown resource %q", resource)}
	}

	status := &QuotaStatus{
		Resource: resource,
		Current:  current,
		Limit:    limit,
		Exceeded: limit > 0 && current > limit,
	}
	if limit > 0 && current < limit {
		status.Available = limit - current
	}
	return status, nil
}

// EnforceStorageQuota fails closed when usage exceeds the storage limit.
func (d *DirectoryStrategy) EnforceStorageQuota(ctx context.Context, userID string) error {
	status, err := d.CheckQuota(ctx, userID, ResourceStorage)
	if err != nil {
		return err
	}
	if status.Exceeded {
		return &shared.QuotaExceededError{
			Resource: string(ResourceStorage),
			Current:  status.Current,
			Limit:    status.Limit,
		}
	}
	return nil
}

// CleanupIdle sweeps every user's logs directory, deleting files older than
// the threshold. Missing directories are tolerated.
func (d *DirectoryStrategy) CleanupIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(d.base)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("isolation: read base dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		logsDir := filepath.Join(d.base, entry.Name(), "logs")
		files, err := os.ReadDir(logsDir)
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(filepath.Join(logsDir, file.Name())); err != nil {
					if d.logger != nil {
						d.logger.Warn("remove idle log", slog.String("file", file.Name()), slog.Any("error", err))
					}
					continue
				}
				removed++
			}
		}
	}
	return removed, nil
}

var _ Strategy = (*DirectoryStrategy)(nil)
