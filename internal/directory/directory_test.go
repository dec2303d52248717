package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/fleetrelay/internal/config"
)

func sample() []config.TenantConfig {
	return []config.TenantConfig{
		{
			ID:        "t1",
			Instances: []config.InstanceConfig{{ID: "i1", Name: "web-1", Address: "10.0.0.1"}, {Name: "db-1"}},
			Members:   []config.MemberConfig{{User: "alice", Access: "write"}, {User: "bob", Access: "read"}},
		},
		{ID: "t2", Instances: []config.InstanceConfig{{ID: "i9", Name: "web-1"}}},
	}
}

func TestLookupByIDAndName(t *testing.T) {
	d := New(sample())
	ctx := context.Background()

	byID, err := d.Lookup(ctx, "t1", "i1")
	require.NoError(t, err)
	byName, err := d.Lookup(ctx, "t1", "web-1")
	require.NoError(t, err)
	assert.Equal(t, byID, byName)
	assert.Equal(t, Instance{ID: "i1", Name: "web-1", Address: "10.0.0.1", TenantID: "t1"}, byID)

	noID, err := d.Lookup(ctx, "t1", "db-1")
	require.NoError(t, err)
	assert.Equal(t, "db-1", noID.ID)

	other, err := d.Lookup(ctx, "t2", "web-1")
	require.NoError(t, err)
	assert.Equal(t, "i9", other.ID, "names are scoped per tenant")

	_, err = d.Lookup(ctx, "t2", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.Lookup(ctx, "missing", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPermissions(t *testing.T) {
	d := New(sample())
	ctx := context.Background()
	cases := []struct {
		user, tenant string
		read, write  bool
	}{
		{"alice", "t1", true, true},
		{"bob", "t1", true, false},
		{"carol", "t1", false, false},
		{"alice", "t2", false, false},
		{"alice", "missing", false, false},
	}
	for _, tc := range cases {
		r, err := d.CanRead(ctx, tc.user, tc.tenant)
		require.NoError(t, err)
		w, err := d.CanWrite(ctx, tc.user, tc.tenant)
		require.NoError(t, err)
		assert.Equal(t, tc.read, r, "%s read %s", tc.user, tc.tenant)
		assert.Equal(t, tc.write, w, "%s write %s", tc.user, tc.tenant)
	}
}

func TestReloadReplaces(t *testing.T) {
	d := New(sample())
	assert.True(t, d.HasTenant("t2"))
	d.Reload([]config.TenantConfig{{ID: "t3", Members: []config.MemberConfig{{User: "alice", Access: "read"}}}})
	assert.False(t, d.HasTenant("t1"))
	ok, _ := d.CanRead(context.Background(), "alice", "t3")
	assert.True(t, ok)
}
