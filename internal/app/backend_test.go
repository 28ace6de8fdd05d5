package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/benvon/cohort-tags/internal/config"
	"github.com/benvon/cohort-tags/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       func(t *testing.T) *config.Config
		wantRedis bool
	}{
		{"memory", func(t *testing.T) *config.Config {
			return &config.Config{StorageBackend: config.BackendMemory}
		}, false},
		{"badger", func(t *testing.T) *config.Config {
			return &config.Config{StorageBackend: config.BackendBadger, BadgerPath: t.TempDir()}
		}, false},
		{"redis", func(t *testing.T) *config.Config {
			mr := miniredis.RunT(t)
			return &config.Config{StorageBackend: config.BackendRedis, RedisURL: "redis://" + mr.Addr()}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			b, err := OpenBackend(ctx, tt.cfg(t), zap.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { assert.NoError(t, b.Close()) })

			assert.Equal(t, tt.name, b.Name)
			assert.NoError(t, b.Ping(ctx))
			assert.NotNil(t, b.Lister, "every backend can enumerate projects")
			assert.Equal(t, tt.wantRedis, b.Redis != nil)

			svc, err := NewServices(&config.Config{}, b, zap.NewNop())
			require.NoError(t, err)
			created, err := svc.Adapter.Create(ctx, "acme", models.Tag{ID: "t1", Name: "Stored"})
			require.NoError(t, err)
			assert.Equal(t, "t1", created.ID)

			ids, err := b.Lister.ListProjectIDs(ctx)
			require.NoError(t, err)
			assert.Contains(t, ids, "acme")
		})
	}
}

func TestOpenBackend_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, err := OpenBackend(ctx, &config.Config{StorageBackend: "floppy"}, nil)
	assert.Error(t, err)

	_, err = OpenBackend(ctx, &config.Config{StorageBackend: config.BackendRedis, RedisURL: "not a url"}, nil)
	assert.Error(t, err)

	_, err = OpenBackend(ctx, &config.Config{StorageBackend: config.BackendBadger}, nil)
	assert.Error(t, err)
}

func TestNewServices_BadCatalogPath(t *testing.T) {
	t.Parallel()

	b, err := OpenBackend(context.Background(), &config.Config{StorageBackend: config.BackendMemory}, nil)
	require.NoError(t, err)

	_, err = NewServices(&config.Config{DataModelPath: "/nonexistent/datamodel.yaml"}, b, nil)
	assert.Error(t, err)
}
