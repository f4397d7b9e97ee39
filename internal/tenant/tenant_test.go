package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyfront/internal/cors"
	"keyfront/internal/errx"
	"keyfront/internal/kv"
)

func TestStore_SaveGetList(t *testing.T) {
	store := New(kv.NewFake(), nil)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Tenant{ID: "t1", Name: "Acme"}))
	require.NoError(t, store.Save(ctx, Tenant{ID: "t2", Name: "Globex"}))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStore_Get_NotFound(t *testing.T) {
	store := New(kv.NewFake(), nil)
	_, err := store.Get(context.Background(), "missing")
	e, ok := errx.As(err)
	require.True(t, ok)
	assert.Equal(t, errx.TenantNotFound, e.Code)
}

func TestStore_Save_SyncsCORSOrigins(t *testing.T) {
	corsMgr := &cors.Manager{TenantOrigins: make(map[string][]string)}
	store := New(kv.NewFake(), corsMgr)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Tenant{ID: "t1", Name: "Acme", AllowedOrigins: []string{"https://acme.example.com"}}))
	assert.Equal(t, []string{"https://acme.example.com"}, corsMgr.TenantOrigins["t1"])

	require.NoError(t, store.Delete(ctx, "t1"))
	_, stillSet := corsMgr.TenantOrigins["t1"]
	assert.False(t, stillSet)
}
