// Package directory answers instance lookups and tenant permissions from the
// tenants section of the configuration.
package directory

import (
	"context"
	"errors"
	"sync"

	"github.com/basket/fleetrelay/internal/config"
)

var ErrNotFound = errors.New("not found")

// Instance is a remote machine an agent runs on.
type Instance struct {
	ID       string
	Name     string
	Address  string
	TenantID string
}

// InstanceLookup resolves an instance id or name within a tenant.
type InstanceLookup interface {
	Lookup(ctx context.Context, tenantID, ref string) (Instance, error)
}

// Permissions answers whether a user may read or change a tenant.
type Permissions interface {
	CanRead(ctx context.Context, userID, tenantID string) (bool, error)
	CanWrite(ctx context.Context, userID, tenantID string) (bool, error)
}

type tenant struct {
	instances map[string]Instance // by id and by name
	members   map[string]string   // user -> read|write
}

// Directory implements InstanceLookup and Permissions. It is safe for concurrent
// use and can be reloaded while serving.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]*tenant
}

func New(tenants []config.TenantConfig) *Directory {
	d := &Directory{}
	d.Reload(tenants)
	return d
}

// Reload replaces the whole directory.
func (d *Directory) Reload(tenants []config.TenantConfig) {
	next := make(map[string]*tenant, len(tenants))
	for _, tc := range tenants {
		t := &tenant{
			instances: make(map[string]Instance, 2*len(tc.Instances)),
			members:   make(map[string]string, len(tc.Members)),
		}
		for _, ic := range tc.Instances {
			inst := Instance{ID: ic.ID, Name: ic.Name, Address: ic.Address, TenantID: tc.ID}
			if inst.ID == "" {
				inst.ID = inst.Name
			}
			t.instances[inst.ID] = inst
			if inst.Name != "" {
				t.instances[inst.Name] = inst
			}
		}
		for _, m := range tc.Members {
			t.members[m.User] = m.Access
		}
		next[tc.ID] = t
	}
	d.mu.Lock()
	d.tenants = next
	d.mu.Unlock()
}

func (d *Directory) Lookup(_ context.Context, tenantID, ref string) (Instance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return Instance{}, ErrNotFound
	}
	inst, ok := t.instances[ref]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

func (d *Directory) CanRead(_ context.Context, userID, tenantID string) (bool, error) {
	access := d.access(userID, tenantID)
	return access == "read" || access == "write", nil
}

func (d *Directory) CanWrite(_ context.Context, userID, tenantID string) (bool, error) {
	return d.access(userID, tenantID) == "write", nil
}

// HasTenant reports whether tenantID is configured.
func (d *Directory) HasTenant(tenantID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tenants[tenantID]
	return ok
}

func (d *Directory) access(userID, tenantID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return ""
	}
	return t.members[userID]
}
