package storage

import (
	"context"
	"path/filepath"
	"testing"

	"chorecoach/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(ctx, models.StatsConfig{
			Type:     models.StatsTypeSQLite,
			Database: models.DatabaseConfig{DSN: filepath.Join(t.TempDir(), "stats.db")},
		})
		require.NoError(t, err)
		defer s.Close()
		assert.IsType(t, &SQLiteStore{}, s)
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		_, err := Open(ctx, models.StatsConfig{Type: models.StatsTypePostgres})
		assert.ErrorIs(t, err, ErrMissingDSN)
	})

	t.Run("redis is not a SQL store", func(t *testing.T) {
		_, err := Open(ctx, models.StatsConfig{Type: models.StatsTypeRedis})
		assert.ErrorIs(t, err, ErrUnsupportedType)
		assert.Contains(t, err.Error(), "redis")
	})
}

func TestSupportedTypes(t *testing.T) {
	assert.ElementsMatch(t, []string{"postgres", "sqlite"}, SupportedTypes())
}
