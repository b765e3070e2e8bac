package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kyosei-dev/junban/internal/model"
)

const rankingColumns = `id, entity_id, item_type, user_id, items,
	 created_at, updated_at, is_valid, became_stale_at, last_reminder_at, last_grace_notice_at`

// UpsertRanking atomically creates or replaces the ranking for
// (scope, userID). On conflict the row lock serializes concurrent saves
// by the same user (last write wins); created_at is only set on insert.
// Saving always forces is_valid true and clears all staleness fields.
func (db *DB) UpsertRanking(ctx context.Context, scope model.Scope, userID string, orderedItems []string) (model.PersonalRanking, error) {
	now := time.Now().UTC()
	row := db.pool.QueryRow(ctx,
		`INSERT INTO ranked_lists (id, entity_id, item_type, user_id, items, created_at, updated_at, is_valid)
		 VALUES ($1, $2, $3, $4, $5, $6, $6, TRUE)
		 ON CONFLICT (entity_id, item_type, user_id) DO UPDATE SET
		   items = EXCLUDED.items,
		   updated_at = EXCLUDED.updated_at,
		   is_valid = TRUE,
		   became_stale_at = NULL,
		   last_reminder_at = NULL,
		   last_grace_notice_at = NULL
		 RETURNING `+rankingColumns,
		uuid.New(), scope.EntityID, scope.ItemType, userID, orderedItems, now,
	)
	r, err := scanRanking(row)
	if err != nil {
		return model.PersonalRanking{}, fmt.Errorf("storage: upsert ranking: %w", err)
	}
	return r, nil
}

// GetRanking returns the ranking for (scope, userID), or ErrNotFound.
func (db *DB) GetRanking(ctx context.Context, scope model.Scope, userID string) (model.PersonalRanking, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+rankingColumns+` FROM ranked_lists
		 WHERE entity_id = $1 AND item_type = $2 AND user_id = $3`,
		scope.EntityID, scope.ItemType, userID,
	)
	r, err := scanRanking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PersonalRanking{}, ErrNotFound
		}
		return model.PersonalRanking{}, fmt.Errorf("storage: get ranking: %w", err)
	}
	return r, nil
}

// ScanValid returns every ranking for the scope with is_valid = true.
// Used by aggregation.
func (db *DB) ScanValid(ctx context.Context, scope model.Scope) ([]model.PersonalRanking, error) {
	return db.scanRankings(ctx, scope, true)
}

// ScanAll returns every ranking for the scope regardless of validity.
// Used by the invalidation supervisor and the staleness sweeper, which
// must also see already-stale records to keep their writes idempotent.
func (db *DB) ScanAll(ctx context.Context, scope model.Scope) ([]model.PersonalRanking, error) {
	return db.scanRankings(ctx, scope, false)
}

func (db *DB) scanRankings(ctx context.Context, scope model.Scope, validOnly bool) ([]model.PersonalRanking, error) {
	query := `SELECT ` + rankingColumns + ` FROM ranked_lists
		 WHERE entity_id = $1 AND item_type = $2`
	if validOnly {
		query += ` AND is_valid`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.pool.Query(ctx, query, scope.EntityID, scope.ItemType)
	if err != nil {
		return nil, fmt.Errorf("storage: scan rankings: %w", err)
	}
	defer rows.Close()

	var rankings []model.PersonalRanking
	for rows.Next() {
		r, err := scanRanking(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan ranking row: %w", err)
		}
		rankings = append(rankings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate rankings: %w", err)
	}
	return rankings, nil
}

// MarkInvalid bulk-flips is_valid to false and stamps became_stale_at
// for the given record ids. Already-invalid records are untouched, so
// re-marking is a no-op rather than an error. Returns the number of
// records actually updated. Ordered items are never rewritten here.
func (db *DB) MarkInvalid(ctx context.Context, ids []uuid.UUID, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE ranked_lists SET is_valid = FALSE, became_stale_at = $2
		 WHERE id = ANY($1) AND is_valid`,
		ids, at.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark invalid: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkRevalidated bulk-flips is_valid back to true and clears all
// staleness bookkeeping for the given record ids. Used when a scope's
// active set changes back to exactly what a stale ranking covers (an
// item added then removed), making the ranking complete again without
// the user re-saving. Already-valid records are untouched. Returns the
// number of records actually updated.
func (db *DB) MarkRevalidated(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE ranked_lists SET is_valid = TRUE,
		   became_stale_at = NULL,
		   last_reminder_at = NULL,
		   last_grace_notice_at = NULL
		 WHERE id = ANY($1) AND NOT is_valid`,
		ids,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: mark revalidated: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkReminded records that a stale reminder was sent for the record.
func (db *DB) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE ranked_lists SET last_reminder_at = $2 WHERE id = $1`, id, at.UTC(),
	); err != nil {
		return fmt.Errorf("storage: mark reminded: %w", err)
	}
	return nil
}

// MarkGraceNoticed records that a grace-period-ended notice was sent.
func (db *DB) MarkGraceNoticed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE ranked_lists SET last_grace_notice_at = $2 WHERE id = $1`, id, at.UTC(),
	); err != nil {
		return fmt.Errorf("storage: mark grace noticed: %w", err)
	}
	return nil
}

// ListScopes returns every distinct scope that has at least one
// ranking. Used by the staleness sweeper.
func (db *DB) ListScopes(ctx context.Context) ([]model.Scope, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT entity_id, item_type FROM ranked_lists ORDER BY entity_id, item_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []model.Scope
	for rows.Next() {
		var s model.Scope
		if err := rows.Scan(&s.EntityID, &s.ItemType); err != nil {
			return nil, fmt.Errorf("storage: scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate scopes: %w", err)
	}
	return scopes, nil
}

func scanRanking(row pgx.Row) (model.PersonalRanking, error) {
	var r model.PersonalRanking
	err := row.Scan(
		&r.ID, &r.Scope.EntityID, &r.Scope.ItemType, &r.UserID, &r.OrderedItems,
		&r.CreatedAt, &r.UpdatedAt, &r.IsValid, &r.BecameStaleAt, &r.LastReminderAt, &r.LastGraceNoticeAt,
	)
	if err != nil {
		return model.PersonalRanking{}, err
	}
	return r, nil
}
