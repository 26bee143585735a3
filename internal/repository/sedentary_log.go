package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-sedentary/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SchemaSQL sedentary_log 追加日志表和 sensor_data 镜像表
const SchemaSQL = `
CREATE TABLE IF NOT EXISTS sedentary_log (
	id               BIGSERIAL PRIMARY KEY,
	state            TEXT NOT NULL,
	timer_seconds    BIGINT NOT NULL,
	acceleration_val DOUBLE PRECISION NOT NULL,
	alert_triggered  BOOLEAN NOT NULL DEFAULT FALSE,
	observed_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sedentary_log_created_at ON sedentary_log (created_at DESC);
CREATE TABLE IF NOT EXISTS sensor_data (
	id               BIGSERIAL PRIMARY KEY,
	user_id          UUID NOT NULL,
	state            TEXT NOT NULL,
	timer_seconds    BIGINT NOT NULL,
	acceleration_val DOUBLE PRECISION NOT NULL,
	alert_triggered  BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp        TIMESTAMPTZ NOT NULL
);`

// SedentaryLogRepository 久坐事件仓库（只追加）
type SedentaryLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSedentaryLogRepository 创建久坐事件仓库
func NewSedentaryLogRepository(db *sql.DB, logger *zap.Logger) *SedentaryLogRepository {
	return &SedentaryLogRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 建表（幂等）
func (r *SedentaryLogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, SchemaSQL); err != nil {
		return fmt.Errorf("failed to ensure sedentary_log schema: %w", err)
	}
	return nil
}

// Append 追加一条事件
func (r *SedentaryLogRepository) Append(ctx context.Context, ev models.ProcessedEvent) error {
	query := `
		INSERT INTO sedentary_log (state, timer_seconds, acceleration_val, alert_triggered, observed_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query,
		string(ev.State),
		int64(ev.InactivitySeconds),
		ev.SmoothedAccel,
		ev.Alert,
		ev.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sedentary event: %w", err)
	}
	return nil
}

// AppendUserReading 镜像一条事件到 sensor_data（按用户）
func (r *SedentaryLogRepository) AppendUserReading(ctx context.Context, userID uuid.UUID, ev models.ProcessedEvent) error {
	query := `
		INSERT INTO sensor_data (user_id, state, timer_seconds, acceleration_val, alert_triggered, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		userID.String(),
		string(ev.State),
		int64(ev.InactivitySeconds),
		ev.SmoothedAccel,
		ev.Alert,
		ev.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sensor_data for user %s: %w", userID, err)
	}
	return nil
}

// RecentEvents 读取最近 limit 条事件，按创建时间正序返回
// 无法识别的状态行会被跳过
func (r *SedentaryLogRepository) RecentEvents(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	if limit <= 0 {
		return []models.ProcessedEvent{}, nil
	}

	query := `
		SELECT
			state,
			COALESCE(timer_seconds, 0),
			COALESCE(acceleration_val, 0),
			COALESCE(alert_triggered, FALSE),
			COALESCE(observed_at, created_at)
		FROM sedentary_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sedentary events: %w", err)
	}
	defer rows.Close()

	events := make([]models.ProcessedEvent, 0, limit)
	for rows.Next() {
		var (
			state      string
			timer      int64
			val        float64
			alert      bool
			observedAt time.Time
		)
		if err := rows.Scan(&state, &timer, &val, &alert, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sedentary event: %w", err)
		}

		activity, err := models.ParseActivityState(state)
		if err != nil {
			r.logger.Warn("Skipping archived row with unknown state",
				zap.String("state", state),
			)
			continue
		}
		if timer < 0 {
			timer = 0
		}

		events = append(events, models.ProcessedEvent{
			State:             activity,
			InactivitySeconds: uint64(timer),
			SmoothedAccel:     val,
			Alert:             alert,
			ObservedAt:        observedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sedentary events: %w", err)
	}

	// 查询为倒序，翻转为时间正序
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
