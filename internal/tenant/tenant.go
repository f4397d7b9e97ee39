// Package tenant implements the admin CRUD surface over tenant records
// (spec §6.4 `CRUD /api/tenants[/{id}]`). A Tenant is this gateway's own
// bookkeeping record, not part of the OIDC/ABAC/token-exchange data model
// proper — it exists so an admin can provision a tenant's CORS allowlist
// without a redeploy, wired straight into internal/cors.Manager.
package tenant

import (
	"context"
	"encoding/json"
	"errors"

	"keyfront/internal/cors"
	"keyfront/internal/errx"
	"keyfront/internal/kv"
)

// Tenant is one onboarded tenant's gateway-level configuration.
type Tenant struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
	UpdatedAt      int64    `json:"updatedAt"`
}

func key(id string) string { return "tenant:" + id }

// Store persists Tenant records in KV and mirrors their CORS origin list
// into a cors.Manager so changes take effect on the next request without
// a restart.
type Store struct {
	kv   kv.Store
	cors *cors.Manager
}

// New constructs a Store. cors may be nil in tests that don't care about
// the CORS side effect.
func New(store kv.Store, corsManager *cors.Manager) *Store {
	return &Store{kv: store, cors: corsManager}
}

// List returns every onboarded tenant.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	keys, err := s.kv.Keys(ctx, "tenant:*")
	if err != nil {
		return nil, err
	}
	out := make([]Tenant, 0, len(keys))
	for _, k := range keys {
		raw, err := s.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var t Tenant
		if json.Unmarshal([]byte(raw), &t) == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// Get fetches one tenant by id.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	raw, err := s.kv.Get(ctx, key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errx.Keyfront.New(errx.TenantNotFound)
	}
	if err != nil {
		return nil, err
	}
	var t Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Save creates or replaces a tenant and syncs its CORS origins.
func (s *Store) Save(ctx context.Context, t Tenant) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, key(t.ID), string(data), 0); err != nil {
		return err
	}
	if s.cors != nil {
		s.cors.SetTenantOrigins(t.ID, t.AllowedOrigins)
	}
	return nil
}

// Delete removes a tenant and its CORS override.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.kv.Del(ctx, key(id)); err != nil {
		return err
	}
	if s.cors != nil {
		s.cors.DeleteTenantOrigins(id)
	}
	return nil
}
