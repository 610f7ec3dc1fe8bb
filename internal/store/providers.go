package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"filbeam-backend/internal/models"
)

// UpsertServiceProvider records a provider registry update. Registry events
// may arrive out of order; a row is only replaced when the incoming
// block_number strictly exceeds the stored one.
func (s *Store) UpsertServiceProvider(ctx context.Context, p models.ServiceProvider) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.service_providers (id, service_url, block_number, is_deleted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			service_url = EXCLUDED.service_url,
			block_number = EXCLUDED.block_number,
			is_deleted = EXCLUDED.is_deleted
		WHERE EXCLUDED.block_number > app.service_providers.block_number`,
		p.ID, p.ServiceURL, p.BlockNumber, p.IsDeleted,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert service provider: %w", err)
	}
	return nil
}

// RemoveServiceProvider flips is_deleted unconditionally. ProviderRemoved is
// terminal for a provider id, so no block guard applies.
func (s *Store) RemoveServiceProvider(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.service_providers (id, service_url, block_number, is_deleted)
		VALUES ($1, '', 0, TRUE)
		ON CONFLICT (id) DO UPDATE SET is_deleted = TRUE`,
		id,
	)
	return err
}

// GetServiceProvider returns the provider row, or nil when unknown.
func (s *Store) GetServiceProvider(ctx context.Context, id string) (*models.ServiceProvider, error) {
	var p models.ServiceProvider
	err := s.db.QueryRow(ctx, `
		SELECT id, service_url, block_number, is_deleted
		FROM app.service_providers
		WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.ServiceURL, &p.BlockNumber, &p.IsDeleted)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
