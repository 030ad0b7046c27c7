package store

import (
	"fmt"
	"time"
)

type Metric struct {
	ID         int64     `json:"id"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	AgentCount int       `json:"agent_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// MetricAggregate summarizes one metric series at one pool size.
type MetricAggregate struct {
	MetricType string  `json:"metric_type"`
	AgentCount int     `json:"agent_count"`
	Samples    int     `json:"samples"`
	Avg        float64 `json:"avg"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
}

func (s *Store) SaveMetric(metricType string, value float64, agentCount int) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (metric_type, value, agent_count)
		VALUES (?, ?, ?)`, metricType, value, agentCount)
	if err != nil {
		return fmt.Errorf("save metric: %w: %w", ErrStorage, err)
	}
	return nil
}

// ListMetrics returns the raw series for one metric type in recording
// order. An empty type returns all series.
func (s *Store) ListMetrics(metricType string) ([]Metric, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	query := `SELECT id, metric_type, value, agent_count, timestamp FROM performance_metrics`
	args := []any{}
	if metricType != "" {
		query += ` WHERE metric_type = ?`
		args = append(args, metricType)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.ID, &m.MetricType, &m.Value, &m.AgentCount, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan metric: %w: %w", ErrStorage, err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// AggregateMetrics groups samples by metric type and concurrent agent
// count, the shape scaling reports are built from.
func (s *Store) AggregateMetrics() ([]MetricAggregate, error) {
	ctx, cancel := s.opCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_type, agent_count, COUNT(*), AVG(value), MIN(value), MAX(value)
		FROM performance_metrics
		GROUP BY metric_type, agent_count
		ORDER BY metric_type, agent_count`)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w: %w", ErrStorage, err)
	}
	defer rows.Close()

	var aggs []MetricAggregate
	for rows.Next() {
		var a MetricAggregate
		if err := rows.Scan(&a.MetricType, &a.AgentCount, &a.Samples, &a.Avg, &a.Min, &a.Max); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w: %w", ErrStorage, err)
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}
