package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ShareRepository writes share rows
type ShareRepository struct {
	db execer
}

// NewShareRepository creates a share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

const insertShare = `
		INSERT INTO shares (coin, instance_id, job_id, worker, ip, port, height, difficulty,
		                    share_diff, is_valid, is_block, error, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// CreateShare inserts one share
func (r *ShareRepository) CreateShare(ctx context.Context, s *Share) error {
	_, err := r.db.ExecContext(ctx, insertShare,
		s.Coin, int64(s.InstanceID), s.JobID, s.Worker, s.IP, s.Port, int64(s.Height),
		s.Difficulty, s.ShareDiff, s.IsValid, s.IsBlock, s.Error, s.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// BlockRepository writes block rows
type BlockRepository struct {
	db execer
}

// NewBlockRepository creates a block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// Redelivered block messages keep the first row.
const insertBlock = `
		INSERT INTO blocks (coin, height, hash, header_hash, worker, reward, difficulty, status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO NOTHING`

// CreateBlock inserts one block
func (r *BlockRepository) CreateBlock(ctx context.Context, b *Block) error {
	_, err := r.db.ExecContext(ctx, insertBlock,
		b.Coin, int64(b.Height), b.Hash, b.HeaderHash, b.Worker, b.Reward, b.Difficulty, b.Status, b.FoundAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}
	return nil
}
