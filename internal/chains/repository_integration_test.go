//go:build integration

package chains

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ruleengine/internal/testinfra"
	apperrors "ruleengine/pkg/errors"
)

// exerciseRepository runs the behaviour every repository shares.
func exerciseRepository(t *testing.T, repo Repository) {
	ctx := context.Background()
	tenantID := uuid.New()

	first := sampleChain(tenantID, true)
	require.NoError(t, repo.SaveChain(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	loaded, err := repo.LoadChain(ctx, tenantID, first.ChainID)
	require.NoError(t, err)
	assert.Equal(t, first.Name, loaded.Name)
	assert.Equal(t, first.Connections, loaded.Connections)
	assert.JSONEq(t, string(first.Nodes[0].Configuration), string(loaded.Nodes[0].Configuration))

	require.NoError(t, repo.SaveChain(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second := sampleChain(tenantID, true)
	second.Name = "second"
	require.NoError(t, repo.SaveChain(ctx, second))

	root, err := repo.RootChain(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, second.ChainID, root.ChainID)

	list, err := repo.ListChains(ctx, tenantID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	other := sampleChain(uuid.New(), false)
	other.ChainID = first.ChainID
	assert.True(t, apperrors.IsValidation(repo.SaveChain(ctx, other)))

	require.NoError(t, repo.DeleteChain(ctx, tenantID, second.ChainID))
	_, err = repo.RootChain(ctx, tenantID)
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsNotFound(repo.DeleteChain(ctx, tenantID, second.ChainID)))
}

func TestPostgresRepository_Integration(t *testing.T) {
	exerciseRepository(t, NewPostgresRepository(testinfra.Postgres(t)))
}

func TestMongoRepository_Integration(t *testing.T) {
	repo, err := NewMongoRepository(context.Background(), testinfra.Mongo(t), "rule_chains")
	require.NoError(t, err)
	exerciseRepository(t, repo)
}
