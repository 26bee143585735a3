package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wisefido-sedentary/internal/config"
	"wisefido-sedentary/internal/consumer"
	"wisefido-sedentary/internal/metrics"
	"wisefido-sedentary/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, redisClient
}

func listLen(mr *miniredis.Miniredis, key string) int {
	items, err := mr.List(key)
	if err != nil {
		return 0
	}
	return len(items)
}

func writeSampleLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "samples.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func TestSedentaryService_LogFileToSinks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mr, redisClient := setupTestRedis(t)

	for i := 0; i < 3; i++ {
		mock.ExpectExec(`INSERT INTO sedentary_log`).
			WillReturnResult(sqlmock.NewResult(int64(i+1), 1))
	}

	cfg := config.Default()
	cfg.Source.Kind = config.SourceLogFile
	cfg.Source.LogPath = writeSampleLog(t,
		`{"ts":"08:00:01","pir":0,"acc":0.001}`,
		`[2026-03-14 08:00:02] {"ts":"08:00:02","pir":0,"acc":0.002}`,
		`not json`,
		`{"ts":"08:00:03","pir":1,"acc":0.090}`,
	)
	cfg.Source.LogIntervalMs = 1
	cfg.Fallback.Disabled = true
	cfg.Sinks.SensorHistoryLimit = 10
	cfg.Sinks.StreamName = "sedentary:events"

	svc, err := newSedentaryService(cfg, db, redisClient, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		return listLen(mr, cfg.Sinks.HistoryKey) == 3 && mock.ExpectationsWereMet() == nil
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.SamplesMalformed.WithLabelValues("logfile")))
	assert.Equal(t, 3.0, testutil.ToFloat64(svc.metrics.EventsPublished.WithLabelValues("live")))

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fallback/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.FallbackStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Disabled)
	assert.False(t, status.Active)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream/recent", nil))
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"count":3`)
	}, 3*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "sedentary_events_published_total")

	require.NoError(t, svc.Stop(context.Background()))
}

func TestSedentaryService_ReplaysCachedHistoryWhenSourceSilent(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	_, redisClient := setupTestRedis(t)

	cfg := config.Default()
	cfg.Source.Kind = config.SourceNone
	cfg.Fallback.HistorySource = config.HistoryCache
	cfg.Fallback.TimeoutSeconds = 1
	cfg.Fallback.CheckIntervalMs = 20
	cfg.Fallback.ReplayIntervalMs = 5

	// 预置缓存历史
	seed := consumer.NewCacheSink(redisClient, cfg.Sinks.HistoryKey, cfg.Sinks.SensorHistoryLimit, metrics.NewNop(), zap.NewNop())
	for i := 1; i <= 2; i++ {
		require.NoError(t, seed.Store(context.Background(), models.ProcessedEvent{
			State:             models.StateSedentary,
			InactivitySeconds: uint64(i),
			ObservedAt:        time.Date(2026, 3, 14, 8, 0, i, 0, time.UTC),
		}))
	}

	svc, err := newSedentaryService(cfg, db, redisClient, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		return svc.Status().Active
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(svc.metrics.EventsPublished.WithLabelValues("replay")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "fallback", svc.Status().Mode)
	// 回放事件不写数据库：sqlmock 没有任何 INSERT 预期
	assert.Zero(t, testutil.ToFloat64(svc.metrics.SinkFailures.WithLabelValues("persistence")))

	require.NoError(t, svc.Stop(context.Background()))
}

func TestNewSedentaryService_InvalidDefaultUserID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, redisClient := setupTestRedis(t)

	cfg := config.Default()
	cfg.Source.Kind = config.SourceNone
	cfg.Sinks.DefaultUserID = "not-a-uuid"

	_, err = newSedentaryService(cfg, db, redisClient, nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFAULT_USER_ID")
}

func TestNewSedentaryService_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, redisClient := setupTestRedis(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS sedentary_log`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	cfg := config.Default()
	cfg.Source.Kind = config.SourceNone
	cfg.Sinks.EnsureSchema = true

	_, err = newSedentaryService(cfg, db, redisClient, nil, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildSource(t *testing.T) {
	cfg := config.Default()
	m := metrics.NewNop()

	cfg.Source.Kind = config.SourceNone
	src, err := buildSource(cfg, nil, m, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, src)

	cfg.Source.Kind = config.SourceSerial
	src, err = buildSource(cfg, nil, m, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "serial", src.Name())

	cfg.Source.Kind = config.SourceMQTT
	_, err = buildSource(cfg, nil, m, zap.NewNop())
	assert.Error(t, err)
}
