package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

const keyColumns = `access_key, project_id, display_name, active, is_default, require_origin,
	allowed_origins, allowed_services, chain_ids, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*models.AccessKey, error) {
	var (
		k                         models.AccessKey
		projectID, createdAt      int64
		active, def, reqOrigin    int
		origins, services, chains string
	)
	err := row.Scan(&k.AccessKey, &projectID, &k.DisplayName, &active, &def, &reqOrigin,
		&origins, &services, &chains, &k.Version, &createdAt)
	if err != nil {
		return nil, err
	}
	k.ProjectID = uint64(projectID)
	k.Active = active != 0
	k.Default = def != 0
	k.RequireOrigin = reqOrigin != 0
	if err := json.Unmarshal([]byte(origins), &k.AllowedOrigins); err != nil {
		return nil, fmt.Errorf("decode allowed_origins: %w", err)
	}
	if err := json.Unmarshal([]byte(services), &k.AllowedServices); err != nil {
		return nil, fmt.Errorf("decode allowed_services: %w", err)
	}
	if err := json.Unmarshal([]byte(chains), &k.ChainIDs); err != nil {
		return nil, fmt.Errorf("decode chain_ids: %w", err)
	}
	t := time.Unix(0, createdAt).UTC()
	k.CreatedAt = &t
	return &k, nil
}

func encodeList(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findKey(ctx context.Context, q querier, accessKey string) (*models.AccessKey, error) {
	k, err := scanKey(q.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM access_keys WHERE access_key = ?`, accessKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAccessKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find access key: %w", err)
	}
	return k, nil
}

func listKeys(ctx context.Context, q querier, projectID uint64, active *bool) ([]*models.AccessKey, error) {
	query := `SELECT ` + keyColumns + ` FROM access_keys WHERE project_id = ?`
	args := []any{int64(projectID)}
	if active != nil {
		query += ` AND active = ?`
		args = append(args, boolInt(*active))
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list access keys: %w", err)
	}
	defer rows.Close()

	var out []*models.AccessKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) FindAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error) {
	return findKey(ctx, s.db, accessKey)
}

func (s *Store) ListAccessKeys(ctx context.Context, projectID uint64, active *bool, service *models.Service) ([]*models.AccessKey, error) {
	keys, err := listKeys(ctx, s.db, projectID, active)
	if err != nil || service == nil {
		return keys, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k.ValidateService(*service) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) CreateAccessKey(ctx context.Context, key *models.AccessKey, maxKeys int64) (*models.AccessKey, error) {
	origins, err := encodeList(key.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	services, err := encodeList(key.AllowedServices)
	if err != nil {
		return nil, err
	}
	chains, err := encodeList(key.ChainIDs)
	if err != nil {
		return nil, err
	}
	createdAt := time.Now().UTC()
	if key.CreatedAt != nil {
		createdAt = key.CreatedAt.UTC()
	}

	var created *models.AccessKey
	err = s.tx(ctx, func(tx *sql.Tx) error {
		var count, defaults int64
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(is_default), 0) FROM access_keys WHERE project_id = ? AND active = 1`,
			int64(key.ProjectID)).Scan(&count, &defaults)
		if err != nil {
			return fmt.Errorf("count access keys: %w", err)
		}
		if maxKeys > 0 && count >= maxKeys {
			return models.ErrMaxAccessKeys
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO access_keys (`+keyColumns+`)
			VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, 1, ?)`,
			key.AccessKey, int64(key.ProjectID), key.DisplayName, boolInt(defaults == 0),
			boolInt(key.RequireOrigin), origins, services, chains, createdAt.UnixNano())
		if err != nil {
			if _, ferr := findKey(ctx, tx, key.AccessKey); ferr == nil {
				return models.ErrRequestConflict.WithCausef("access key already exists")
			}
			return fmt.Errorf("insert access key: %w", err)
		}
		created, err = findKey(ctx, tx, key.AccessKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateAccessKey(ctx context.Context, key *models.AccessKey) (*models.AccessKey, error) {
	origins, err := encodeList(key.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	services, err := encodeList(key.AllowedServices)
	if err != nil {
		return nil, err
	}
	chains, err := encodeList(key.ChainIDs)
	if err != nil {
		return nil, err
	}

	var updated *models.AccessKey
	err = s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE access_keys
			SET display_name = ?, require_origin = ?, allowed_origins = ?, allowed_services = ?,
				chain_ids = ?, version = version + 1
			WHERE access_key = ? AND version = ?`,
			key.DisplayName, boolInt(key.RequireOrigin), origins, services, chains,
			key.AccessKey, key.Version)
		if err != nil {
			return fmt.Errorf("update access key: %w", err)
		}
		if err := casResult(ctx, tx, res, key.AccessKey); err != nil {
			return err
		}
		updated, err = findKey(ctx, tx, key.AccessKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// casResult turns a zero-row compare-and-set update into either
// ErrAccessKeyNotFound or ErrRequestConflict.
func casResult(ctx context.Context, tx *sql.Tx, res sql.Result, accessKey string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := findKey(ctx, tx, accessKey); err != nil {
		return err
	}
	return models.ErrRequestConflict.WithCausef("access key changed concurrently")
}

func (s *Store) RotateAccessKey(ctx context.Context, oldKey, newKey string, version int64) (*models.AccessKey, error) {
	var rotated *models.AccessKey
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := findKey(ctx, tx, newKey); err == nil {
			return models.ErrRequestConflict.WithCausef("access key already exists")
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE access_keys SET access_key = ?, version = version + 1 WHERE access_key = ? AND version = ?`,
			newKey, oldKey, version)
		if err != nil {
			return fmt.Errorf("rotate access key: %w", err)
		}
		if err := casResult(ctx, tx, res, oldKey); err != nil {
			return err
		}
		rotated, err = findKey(ctx, tx, newKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rotated, nil
}

func (s *Store) SetDefaultAccessKey(ctx context.Context, projectID uint64, accessKey string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		k, err := findKey(ctx, tx, accessKey)
		if err != nil {
			return err
		}
		if !k.Active {
			return models.ErrAccessKeyNotFound
		}
		if k.ProjectID != projectID {
			return models.ErrAccessKeyMismatch
		}
		_, err = tx.ExecContext(ctx, `UPDATE access_keys
			SET is_default = CASE WHEN access_key = ? THEN 1 ELSE 0 END, version = version + 1
			WHERE project_id = ? AND (access_key = ? OR is_default = 1) AND NOT (access_key = ? AND is_default = 1)`,
			accessKey, int64(projectID), accessKey, accessKey)
		if err != nil {
			return fmt.Errorf("set default access key: %w", err)
		}
		return nil
	})
}

func (s *Store) DisableAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error) {
	var disabled *models.AccessKey
	err := s.tx(ctx, func(tx *sql.Tx) error {
		k, err := findKey(ctx, tx, accessKey)
		if err != nil {
			return err
		}
		if !k.Active {
			return models.ErrAccessKeyNotFound
		}
		active := true
		keys, err := listKeys(ctx, tx, k.ProjectID, &active)
		if err != nil {
			return err
		}
		var next *models.AccessKey
		for _, o := range keys {
			if o.AccessKey != accessKey {
				next = o
				break
			}
		}
		if next == nil {
			return models.ErrAtLeastOneKey
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE access_keys SET active = 0, is_default = 0, version = version + 1 WHERE access_key = ?`,
			accessKey)
		if err != nil {
			return fmt.Errorf("disable access key: %w", err)
		}
		if k.Default {
			_, err = tx.ExecContext(ctx,
				`UPDATE access_keys SET is_default = 1, version = version + 1 WHERE access_key = ?`,
				next.AccessKey)
			if err != nil {
				return fmt.Errorf("promote default access key: %w", err)
			}
		}
		disabled, err = findKey(ctx, tx, accessKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return disabled, nil
}
