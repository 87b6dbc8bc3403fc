package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/campusmarket/internal/models"
	"github.com/iudanet/campusmarket/internal/server/storage"
)

const recordColumns = `id, table_name, client_id, owner_id, fields, version, deleted, created_at, updated_at`

// filterKeyPattern ограничивает ключи фильтра, они подставляются в JSON path
var filterKeyPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateRecord inserts a row, idempotent by (table, client_id)
func (s *Storage) CreateRecord(ctx context.Context, rec *models.Record) (*models.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Повторная доставка того же create возвращает уже созданную строку
	if rec.ClientID != "" {
		query := `SELECT ` + recordColumns + ` FROM records WHERE table_name = ? AND client_id = ?`
		existing, err := scanRecord(tx.QueryRowContext(ctx, query, rec.Table, rec.ClientID))
		switch {
		case err == nil:
			return existing, false, nil
		case !errors.Is(err, storage.ErrRecordNotFound):
			return nil, false, err
		}
	}

	stored := rec.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Fields == nil {
		stored.Fields = models.Payload{}
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = s.clock.Tick()
	stored.Deleted = false

	fields, err := json.Marshal(stored.Fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `INSERT INTO records (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`
	if _, err := tx.ExecContext(ctx, query,
		stored.ID,
		stored.Table,
		stored.ClientID,
		stored.OwnerID,
		string(fields),
		stored.Version,
		now.UnixMilli(),
		now.UnixMilli(),
	); err != nil {
		return nil, false, fmt.Errorf("failed to insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return stored, true, nil
}

// GetRecord retrieves a live row
func (s *Storage) GetRecord(ctx context.Context, table, id string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE table_name = ? AND id = ? AND deleted = 0`
	return scanRecord(s.db.QueryRowContext(ctx, query, table, id))
}

// UpdateRecord merges fields into a live row and bumps its version
func (s *Storage) UpdateRecord(ctx context.Context, table, id string, fields models.Payload) (*models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT ` + recordColumns + ` FROM records WHERE table_name = ? AND id = ? AND deleted = 0`
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, table, id))
	if err != nil {
		return nil, err
	}

	rec.Fields = rec.Fields.Merge(fields)
	rec.Version = s.clock.Tick()
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET fields = ?, version = ?, updated_at = ? WHERE id = ?`,
		string(data), rec.Version, rec.UpdatedAt.UnixMilli(), rec.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return rec, nil
}

// DeleteRecord soft-deletes a row and returns its last fields stamped with the deletion version
func (s *Storage) DeleteRecord(ctx context.Context, table, id string) (*models.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT ` + recordColumns + ` FROM records WHERE table_name = ? AND id = ? AND deleted = 0`
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, table, id))
	if err != nil {
		return nil, err
	}

	// Поля остаются прежними, версия - версия удаления
	rec.Version = s.clock.Tick()
	rec.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET deleted = 1, version = ?, updated_at = ? WHERE id = ?`,
		rec.Version, rec.UpdatedAt.UnixMilli(), rec.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to delete record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return rec, nil
}

// ListRecords returns live rows of table whose fields equal every filter value.
// Значения фильтра сравниваются как текст: булевы поля как true/false,
// числа в том виде, в каком их возвращает json_extract.
func (s *Storage) ListRecords(ctx context.Context, table string, filter map[string]string) ([]*models.Record, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + recordColumns + ` FROM records WHERE table_name = ? AND deleted = 0`)
	args := []any{table}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		if !filterKeyPattern.MatchString(k) {
			return nil, fmt.Errorf("%w: key %q", storage.ErrInvalidFilter, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := `'$.` + k + `'`
		// json_extract отдает булевы как 1/0, поэтому они сравниваются по json_type
		sb.WriteString(` AND (CASE json_type(fields, ` + path + `)` +
			` WHEN 'true' THEN 'true' WHEN 'false' THEN 'false'` +
			` ELSE CAST(json_extract(fields, ` + path + `) AS TEXT) END) = ?`)
		args = append(args, filter[k])
	}
	sb.WriteString(` ORDER BY created_at, id`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := make([]*models.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return records, nil
}

func scanRecord(row rowScanner) (*models.Record, error) {
	rec := &models.Record{}
	var (
		fields             string
		deleted            int
		createdAt, updated int64
	)

	err := row.Scan(
		&rec.ID,
		&rec.Table,
		&rec.ClientID,
		&rec.OwnerID,
		&fields,
		&rec.Version,
		&deleted,
		&createdAt,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	rec.Deleted = deleted != 0
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()

	return rec, nil
}
