package store

import (
	"context"
	"fmt"

	"filbeam-backend/internal/models"
)

// UpsertPiece inserts or refreshes a piece row. Re-adding a previously
// removed piece revives it.
func (s *Store) UpsertPiece(ctx context.Context, p models.Piece) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO app.pieces (id, data_set_id, cid, ipfs_root_cid, x402_price, is_deleted)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (id) DO UPDATE SET
			data_set_id = EXCLUDED.data_set_id,
			cid = EXCLUDED.cid,
			ipfs_root_cid = COALESCE(EXCLUDED.ipfs_root_cid, app.pieces.ipfs_root_cid),
			x402_price = COALESCE(EXCLUDED.x402_price, app.pieces.x402_price),
			is_deleted = FALSE`,
		p.ID, p.DataSetID, p.CID, p.IPFSRootCID, p.X402Price,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert piece: %w", err)
	}
	return nil
}

// MarkPiecesDeleted flips is_deleted for the named pieces of a data set and
// returns the CIDs of the rows it touched.
func (s *Store) MarkPiecesDeleted(ctx context.Context, dataSetID string, pieceIDs []string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE app.pieces
		SET is_deleted = TRUE
		WHERE data_set_id = $1 AND id = ANY($2)
		RETURNING cid`,
		dataSetID, pieceIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		cids = append(cids, cid)
	}
	return cids, rows.Err()
}

// CountLivePieceCopies counts non-deleted copies of a CID across all data
// sets belonging to the payer. Piece metadata keyed by (payer, cid) stays
// valid while this is non-zero.
func (s *Store) CountLivePieceCopies(ctx context.Context, payerAddress, cid string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM app.pieces p
		JOIN app.data_sets d ON d.id = p.data_set_id
		WHERE p.cid = $1 AND d.payer_address = $2 AND p.is_deleted = FALSE`,
		cid, payerAddress,
	).Scan(&n)
	return n, err
}
