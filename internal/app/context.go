package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"closeline/internal/config"
	"closeline/internal/repo"
)

// ResolveOrgAndConfig picks the active org and ensures an org + config row
// exist, seeding defaults if missing. A config file in the workspace takes
// precedence over the stored row and is written back so the API serves the
// same settings the CLI ran with.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	orgID := orgOverride
	if orgID == "" && fileCfg != nil {
		orgID = fileCfg.Org.ID
	}
	if orgID == "" {
		orgID = "default-org"
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOrg(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}

	if fileCfg != nil {
		if err := r.UpsertOrgConfig(ctx, orgID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("sync org config: %w", err)
		}
		return orgID, fileCfg, nil
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed org config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

func createOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertOrgTx(ctx, tx, orgID, seedCfg.Org.Country, now); err != nil {
		return fmt.Errorf("insert org: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActorTx(ctx, tx, actorID); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return tx.Commit()
}
