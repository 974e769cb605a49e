package app

import (
	"context"
	"errors"
	"fmt"

	"sevtrack/internal/config"
	"sevtrack/internal/repo"
)

// ResolveWorkspaceConfig picks the active workspace configuration, preferring
// the on-disk sevtrack.yml, then the copy stored in the DB, then defaults.
// A freshly resolved config is persisted so later runs see the same catalog.
func ResolveWorkspaceConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if err := r.UpsertWorkspaceConfig(ctx, fileCfg.Workspace.ID, fileCfg); err != nil {
			return nil, fmt.Errorf("store workspace config: %w", err)
		}
		return fileCfg, nil
	}
	cfg, err := r.GetWorkspaceConfig(ctx, workspaceID(workspace))
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed := config.Default(workspaceID(workspace))
	if err := r.UpsertWorkspaceConfig(ctx, seed.Workspace.ID, seed); err != nil {
		return nil, fmt.Errorf("seed workspace config: %w", err)
	}
	return seed, nil
}

func workspaceID(workspace string) string {
	if workspace == "" {
		return "default"
	}
	return workspace
}
