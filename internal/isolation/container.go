package isolation

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbus-ide/nimbus/internal/shared"
)

// ContainerStrategy is a reserved isolation tier with separate filesystem and
// network namespaces and cgroup-enforced limits. Every method fails fast until
// it is implemented; nothing may silently fall back to weaker isolation.
type ContainerStrategy struct{}

// NewContainerStrategy constructs the stub.
func NewContainerStrategy() *ContainerStrategy {
	return &ContainerStrategy{}
}

func (c *ContainerStrategy) Initialize(ctx context.Context, userID string) (*Environment, error) {
	return nil, fmt.Errorf("isolation: container strategy: %w", shared.ErrNotImplemented)
}

func (c *ContainerStrategy) Destroy(ctx context.Context, userID string) error {
	return fmt.Errorf("isolation: container strategy: %w", shared.ErrNotImplemented)
}

func (c *ContainerStrategy) Usage(ctx context.Context, userID string) (*ResourceUsage, error) {
	return nil, fmt.Errorf("isolation: container strategy: %w", shared.ErrNotImplemented)
}

func (c *ContainerStrategy) CheckQuota(ctx context.Context, userID string, resource Resource) (*QuotaStatus, error) {
	return nil, fmt.Errorf("isolation: container strategy: %w", shared.ErrNotImplemented)
}

func (c *ContainerStrategy) EnforceStorageQuota(ctx context.Context, userID string) error {
	return fmt.Errorf("isolation: container strategy: %w", shared.ErrNotImplemented)
}

func (c *ContainerStrategy) CleanupIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, fmt.Errorf("isolation: container strategy: %w", shared.ErrNotImplemented)
}

func (c *ContainerStrategy) DataPath(userID string) string       { return "" }
func (c *ContainerStrategy) SettingsPath(userID string) string   { return "" }
func (c *ContainerStrategy) ExtensionsPath(userID string) string { return "" }
func (c *ContainerStrategy) WorkspacesPath(userID string) string { return "" }
func (c *ContainerStrategy) LogsPath(userID string) string       { return "" }

var _ Strategy = (*ContainerStrategy)(nil)
