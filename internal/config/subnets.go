package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/datastore"
	"github.com/jbweber/homelab/director/internal/domain"
	"github.com/jbweber/homelab/director/internal/repository"
)

// SyncSubnets stores the configured subnets, updating those that already
// exist by name. Subnets created through the API are kept, but none may
// overlap a configured one.
func SyncSubnets(ctx context.Context, ds *datastore.Datastore, subnets []domain.Subnet, logger *zap.Logger) error {
	return ds.Tx(ctx, func(tx *sql.Tx) error {
		repo := repository.NewSubnetRepository(tx)
		existing, err := repo.FindAll(ctx)
		if err != nil {
			return err
		}

		configured := make(map[string]bool, len(subnets))
		for _, s := range subnets {
			configured[s.Name] = true
		}
		for _, other := range existing {
			if configured[other.Name] {
				continue
			}
			for _, s := range subnets {
				if s.Overlaps(other) {
					return fmt.Errorf("subnet %s overlaps stored subnet %s: %w", s.Name, other.Name, repository.ErrDuplicate)
				}
			}
		}

		for _, s := range subnets {
			current, err := repo.FindByName(ctx, s.Name)
			switch {
			case err == nil:
				s.ID = current.ID
				s.CreatedAt = current.CreatedAt
			case !errors.Is(err, repository.ErrNotFound):
				return err
			}
			saved, err := repo.Save(ctx, s)
			if err != nil {
				return fmt.Errorf("sync subnet %s: %w", s.Name, err)
			}
			logger.Info("subnet configured",
				zap.String("name", saved.Name),
				zap.String("network_ipv4", saved.NetworkIPv4),
				zap.String("network_ipv6", saved.NetworkIPv6),
				zap.String("rack", saved.RackIdentifier),
			)
		}
		return nil
	})
}
