package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfolio/rebalancer/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. The
// per-order results and metadata are stored as JSONB so the result row is a
// complete, self-contained record of the run.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Create inserts one finished execution result.
func (s *ExecutionStore) Create(ctx context.Context, result domain.ExecutionResult) error {
	ordersJSON, err := json.Marshal(result.Orders)
	if err != nil {
		return fmt.Errorf("postgres: marshal orders: %w", err)
	}
	metaJSON, err := json.Marshal(result.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO executions (
			correlation_id, plan_id, status, success,
			orders_placed, orders_succeeded, orders_skipped,
			total_trade_value, orders, metadata, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.pool.Exec(ctx, query,
		result.CorrelationID, result.PlanID, string(result.Status), result.Success,
		result.OrdersPlaced, result.OrdersSucceeded, result.OrdersSkipped,
		result.TotalTradeValue, ordersJSON, metaJSON, result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create execution %s: %w", result.CorrelationID, err)
	}
	return nil
}

const executionColumns = `
	correlation_id, plan_id, status, success,
	orders_placed, orders_succeeded, orders_skipped,
	total_trade_value, orders, metadata, completed_at`

// GetByCorrelationID returns one execution result. It returns
// domain.ErrNotFound when no row matches.
func (s *ExecutionStore) GetByCorrelationID(ctx context.Context, correlationID string) (domain.ExecutionResult, error) {
	query := `SELECT` + executionColumns + ` FROM executions WHERE correlation_id = $1`
	row := s.pool.QueryRow(ctx, query, correlationID)

	result, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionResult{}, domain.ErrNotFound
		}
		return domain.ExecutionResult{}, fmt.Errorf("postgres: get execution %s: %w", correlationID, err)
	}
	return result, nil
}

// ListRecent returns the most recently completed executions, newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT` + executionColumns + ` FROM executions ORDER BY completed_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var results []domain.ExecutionResult
	for rows.Next() {
		result, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	return results, nil
}

func scanExecution(row pgx.Row) (domain.ExecutionResult, error) {
	var (
		result     domain.ExecutionResult
		status     string
		ordersJSON []byte
		metaJSON   []byte
	)
	err := row.Scan(
		&result.CorrelationID, &result.PlanID, &status, &result.Success,
		&result.OrdersPlaced, &result.OrdersSucceeded, &result.OrdersSkipped,
		&result.TotalTradeValue, &ordersJSON, &metaJSON, &result.CompletedAt,
	)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	result.Status = domain.ExecutionStatus(status)
	if ordersJSON != nil {
		if err := json.Unmarshal(ordersJSON, &result.Orders); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("unmarshal orders: %w", err)
		}
	}
	if metaJSON != nil {
		if err := json.Unmarshal(metaJSON, &result.Metadata); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return result, nil
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)
