package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kimhsiao/fieldsync/internal/codec"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction spanning any number of collections.
type Tx struct {
	q   querier
	now func() int64
}

// Put stores value under key within the transaction.
func (t *Tx) Put(ctx context.Context, c Collection, key string, value any) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	if key == "" {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("empty key for collection %q", c))
	}

	var indexValues map[string]string
	if names := schemaIndexes[c]; len(names) > 0 {
		indexed, ok := value.(Indexed)
		if !ok {
			return apperrors.New(apperrors.ErrInvalid,
				fmt.Sprintf("collection %q is indexed; value %T must implement Indexed", c, value))
		}
		indexValues = indexed.IndexValues()
	}

	data, err := codec.Marshal(value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("encode %s/%s", c, key), err)
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(c), key, data, t.now())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("put %s/%s", c, key), err)
	}

	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM record_indexes WHERE collection = ? AND key = ?`, string(c), key); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("reindex %s/%s", c, key), err)
	}
	for _, name := range schemaIndexes[c] {
		if _, err := t.q.ExecContext(ctx,
			`INSERT INTO record_indexes (collection, index_name, index_value, key) VALUES (?, ?, ?, ?)`,
			string(c), name, indexValues[name], key); err != nil {
			return apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("index %s/%s", c, key), err)
		}
	}
	return nil
}

// Delete removes key within the transaction.
func (t *Tx) Delete(ctx context.Context, c Collection, key string) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM record_indexes WHERE collection = ? AND key = ?`, string(c), key); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("delete index %s/%s", c, key), err)
	}
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, string(c), key); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("delete %s/%s", c, key), err)
	}
	return nil
}

// Clear removes every record of c within the transaction.
func (t *Tx) Clear(ctx context.Context, c Collection) error {
	if err := checkCollection(c); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM record_indexes WHERE collection = ?`, string(c)); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("clear index %s", c), err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, string(c)); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("clear %s", c), err)
	}
	return nil
}

// Get reads within the transaction.
func (t *Tx) Get(ctx context.Context, c Collection, key string, dst any) (bool, error) {
	return get(ctx, t.q, c, key, dst)
}

// All reads within the transaction.
func (t *Tx) All(ctx context.Context, c Collection) ([]Record, error) {
	return all(ctx, t.q, c)
}

// GetAllByIndex reads within the transaction.
func (t *Tx) GetAllByIndex(ctx context.Context, c Collection, index, value string) ([]Record, error) {
	return byIndex(ctx, t.q, c, index, value)
}

func get(ctx context.Context, q querier, c Collection, key string, dst any) (bool, error) {
	if err := checkCollection(c); err != nil {
		return false, err
	}

	var data []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM records WHERE collection = ? AND key = ?`, string(c), key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("get %s/%s", c, key), err)
	}

	if err := codec.Unmarshal(data, dst); err != nil {
		return false, apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("decode %s/%s", c, key), err)
	}
	return true, nil
}

func all(ctx context.Context, q querier, c Collection) ([]Record, error) {
	if err := checkCollection(c); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT key, value, updated_at FROM records WHERE collection = ? ORDER BY rowid`, string(c))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("list %s", c), err)
	}
	return scanRecords(rows)
}

func byIndex(ctx context.Context, q querier, c Collection, index, value string) ([]Record, error) {
	if err := checkIndex(c, index); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `
		SELECT r.key, r.value, r.updated_at
		FROM records r
		JOIN record_indexes i ON i.collection = r.collection AND i.key = r.key
		WHERE i.collection = ? AND i.index_name = ? AND i.index_value = ?
		ORDER BY r.rowid`,
		string(c), index, value)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, fmt.Sprintf("query %s by %s", c, index), err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalStorage, "scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStorage, "iterate records", err)
	}
	return records, nil
}
