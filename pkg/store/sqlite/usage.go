package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/store"
)

func (s *Store) GetAccessLimit(ctx context.Context, projectID uint64) (*models.Limit, bool, error) {
	var (
		l     models.Limit
		block int
	)
	err := s.db.QueryRowContext(ctx, `SELECT max_keys, rate_limit, free_warn, free_max, over_warn, over_max, block_transactions
		FROM project_limits WHERE project_id = ?`, int64(projectID)).
		Scan(&l.MaxKeys, &l.RateLimit, &l.FreeWarn, &l.FreeMax, &l.OverWarn, &l.OverMax, &block)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get access limit: %w", err)
	}
	l.BlockTransactions = block != 0
	return &l, true, nil
}

func (s *Store) SetAccessLimit(ctx context.Context, projectID uint64, l models.Limit) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO project_limits
		(project_id, max_keys, rate_limit, free_warn, free_max, over_warn, over_max, block_transactions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			max_keys = excluded.max_keys, rate_limit = excluded.rate_limit,
			free_warn = excluded.free_warn, free_max = excluded.free_max,
			over_warn = excluded.over_warn, over_max = excluded.over_max,
			block_transactions = excluded.block_transactions`,
		int64(projectID), l.MaxKeys, l.RateLimit, l.FreeWarn, l.FreeMax, l.OverWarn, l.OverMax, boolInt(l.BlockTransactions))
	if err != nil {
		return fmt.Errorf("set access limit: %w", err)
	}
	return nil
}

func (s *Store) GetCycleAnchor(ctx context.Context, projectID uint64) (int, bool, error) {
	var day int
	err := s.db.QueryRowContext(ctx, `SELECT anchor_day FROM project_cycles WHERE project_id = ?`, int64(projectID)).Scan(&day)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cycle anchor: %w", err)
	}
	return day, true, nil
}

func (s *Store) SetCycleAnchor(ctx context.Context, projectID uint64, day int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO project_cycles (project_id, anchor_day) VALUES (?, ?)
		ON CONFLICT(project_id) DO UPDATE SET anchor_day = excluded.anchor_day`, int64(projectID), day)
	if err != nil {
		return fmt.Errorf("set cycle anchor: %w", err)
	}
	return nil
}

func (s *Store) AddUsage(ctx context.Context, projectID uint64, accessKey string, service models.Service, at time.Time, d models.AccessUsage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage
		(project_id, access_key, service, bucket, valid_compute, over_compute, limited_compute)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, access_key, service, bucket) DO UPDATE SET
			valid_compute = valid_compute + excluded.valid_compute,
			over_compute = over_compute + excluded.over_compute,
			limited_compute = limited_compute + excluded.limited_compute`,
		int64(projectID), accessKey, int(service), store.Bucket(at).Unix(),
		d.ValidCompute, d.OverCompute, d.LimitedCompute)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, f store.UsageFilter) (models.AccessUsage, error) {
	query := `SELECT COALESCE(SUM(valid_compute), 0), COALESCE(SUM(over_compute), 0), COALESCE(SUM(limited_compute), 0)
		FROM usage WHERE project_id = ? AND bucket >= ? AND bucket < ?`
	args := []any{int64(f.ProjectID), store.Bucket(f.From).Unix(), f.To.Unix()}
	if f.AccessKey != nil {
		query += ` AND access_key = ?`
		args = append(args, *f.AccessKey)
	}
	if f.Service != nil {
		query += ` AND service = ?`
		args = append(args, int(*f.Service))
	}

	var u models.AccessUsage
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ValidCompute, &u.OverCompute, &u.LimitedCompute); err != nil {
		return models.AccessUsage{}, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

func (s *Store) GetCycleState(ctx context.Context, projectID uint64, cycle models.Cycle) (store.CycleState, error) {
	return cycleState(ctx, s.db, projectID, cycle)
}

func cycleState(ctx context.Context, q querier, projectID uint64, cycle models.Cycle) (store.CycleState, error) {
	var state int
	err := q.QueryRowContext(ctx, `SELECT state FROM usage_cycles WHERE project_id = ? AND cycle_start = ?`,
		int64(projectID), cycle.Start.UTC().Unix()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StateEmpty, nil
	}
	if err != nil {
		return store.StateEmpty, fmt.Errorf("get cycle state: %w", err)
	}
	return store.CycleState(state), nil
}

func (s *Store) TransitionCycle(ctx context.Context, projectID uint64, cycle models.Cycle, from []store.CycleState, to store.CycleState) (bool, error) {
	var moved bool
	err := s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := cycleState(ctx, tx, projectID, cycle)
		if err != nil {
			return err
		}
		if !slices.Contains(from, cur) {
			return nil
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO usage_cycles (project_id, cycle_start, state) VALUES (?, ?, ?)
			ON CONFLICT(project_id, cycle_start) DO UPDATE SET state = excluded.state`,
			int64(projectID), cycle.Start.UTC().Unix(), int(to))
		if err != nil {
			return fmt.Errorf("transition cycle: %w", err)
		}
		moved = true
		return nil
	})
	return moved, err
}
