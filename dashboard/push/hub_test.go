package push

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fov-tech/fovdash/core/access"
)

type fakeConn struct {
	frames   []Frame
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, v.(Frame))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                     { c.closed = true; return nil }

func TestBroadcastScoping(t *testing.T) {
	hub := NewHub(0)

	aviva := &fakeConn{}
	marvel := &fakeConn{}
	admin := &fakeConn{}
	hub.Register(aviva, access.Scope{Tenant: "aviva"}, nil)
	hub.Register(marvel, access.Scope{Tenant: "marvel"}, nil)
	hub.Register(admin, access.Scope{Admin: true}, nil)

	hub.Broadcast("tabletA", map[string]string{"name": "tabletA"}, "aviva")

	require.Len(t, aviva.frames, 1)
	assert.Equal(t, "tabletA", aviva.frames[0].Topic)
	assert.Empty(t, marvel.frames)
	require.Len(t, admin.frames, 1)

	// a kia update must not reach a marvel-scoped connection
	hub.Broadcast("tab1", map[string]string{"name": "tab1"}, "kia")
	assert.Empty(t, marvel.frames)
	assert.Len(t, admin.frames, 2)
}

func TestBroadcastWithoutTenantIsAdminOnly(t *testing.T) {
	hub := NewHub(0)

	scoped := &fakeConn{}
	admin := &fakeConn{}
	hub.Register(scoped, access.Scope{Tenant: "aviva"}, nil)
	hub.Register(admin, access.Scope{Admin: true}, nil)

	hub.Broadcast("relay:championdata", map[string]bool{"alive": true}, "")
	assert.Empty(t, scoped.frames)
	assert.Len(t, admin.frames, 1)
}

func TestRegisterSendsSnapshot(t *testing.T) {
	hub := NewHub(0)

	conn := &fakeConn{}
	hub.Register(conn, access.Scope{Tenant: "aviva"}, []Frame{
		{Topic: "tabletA", Message: "a"},
		{Topic: "tabletB", Message: "b"},
	})

	require.Len(t, conn.frames, 2)
	assert.Equal(t, "tabletA", conn.frames[0].Topic)
	assert.Equal(t, "tabletB", conn.frames[1].Topic)
}

func TestFailingConnectionIsDropped(t *testing.T) {
	hub := NewHub(0)

	broken := &fakeConn{writeErr: errors.New("pipe closed")}
	healthy := &fakeConn{}
	hub.Register(broken, access.Scope{Admin: true}, nil)
	hub.Register(healthy, access.Scope{Admin: true}, nil)

	hub.Broadcast("tabletA", "x", "aviva")

	// the broken connection is removed and closed, the healthy one served
	assert.True(t, broken.closed)
	assert.Equal(t, 1, hub.Count())
	require.Len(t, healthy.frames, 1)

	// repeated unregister is harmless
	hub.Unregister(broken)
	assert.Equal(t, 1, hub.Count())
}
