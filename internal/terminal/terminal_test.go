package terminal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/fleetrelay/internal/protocol"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string][]any
}

func (r *recorder) Send(connID string, msg any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = make(map[string][]any)
	}
	r.msgs[connID] = append(r.msgs[connID], msg)
	return true
}

func (r *recorder) to(connID string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs[connID]...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *recorder, *clock) {
	t.Helper()
	rec := &recorder{}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	return NewManager(Config{Sender: rec, Now: clk.Now}), rec, clk
}

func TestBindRequiresExpectation(t *testing.T) {
	m, _, _ := newManager(t)
	assert.False(t, m.Bind("t1", "s1", "agent"), "unsolicited session")

	m.Expect("s1", "client", "t1")
	assert.False(t, m.Bind("t2", "s1", "agent"), "other tenant")
	assert.True(t, m.Bind("t1", "s1", "agent"))
	assert.False(t, m.Bind("t1", "s1", "agent2"), "already bound")

	s, ok := m.Get("t1", "s1")
	require.True(t, ok)
	assert.Equal(t, "agent", s.AgentConnID)
}

func TestRelayBothDirections(t *testing.T) {
	m, rec, _ := newManager(t)
	m.Expect("s1", "client", "t1")
	assert.ErrorIs(t, m.RelayFromClient("t1", "s1", "client", "ls\n"), ErrNotBound)
	require.True(t, m.Bind("t1", "s1", "agent"))

	require.NoError(t, m.RelayFromClient("t1", "s1", "client", "ls\n"))
	require.NoError(t, m.RelayFromAgent("t1", "s1", "agent", "file.txt\n"))

	toAgent := rec.to("agent")
	require.Len(t, toAgent, 1)
	assert.Equal(t, protocol.TerminalDataOut{Kind: protocol.KindTerminalData, SessionID: "s1", Data: "ls\n"}, toAgent[0])
	toClient := rec.to("client")
	require.Len(t, toClient, 1)
	assert.Equal(t, "file.txt\n", toClient[0].(protocol.TerminalDataOut).Data)

	assert.ErrorIs(t, m.RelayFromClient("t1", "s1", "intruder", "x"), ErrNotParticipant)
	assert.ErrorIs(t, m.RelayFromAgent("t1", "s1", "client", "x"), ErrNotParticipant)
	assert.ErrorIs(t, m.RelayFromAgent("t1", "nope", "agent", "x"), ErrNoSession)
}

func TestCloseNotifiesBoth(t *testing.T) {
	m, rec, _ := newManager(t)
	m.Expect("s1", "client", "t1")
	require.True(t, m.Bind("t1", "s1", "agent"))

	assert.True(t, m.Close("t1", "s1", "user closed"))
	assert.False(t, m.Close("t1", "s1", "again"))
	for _, conn := range []string{"client", "agent"} {
		msgs := rec.to(conn)
		require.Len(t, msgs, 1)
		closed := msgs[0].(protocol.TerminalClosed)
		assert.Equal(t, "user closed", closed.Reason)
	}
	assert.Equal(t, 0, m.Len())
}

func TestSweepTimeouts(t *testing.T) {
	m, rec, clk := newManager(t)
	m.Expect("unbound", "c1", "t1")
	m.Expect("idle", "c2", "t1")
	m.Expect("busy", "c3", "t1")
	require.True(t, m.Bind("t1", "idle", "a2"))
	require.True(t, m.Bind("t1", "busy", "a3"))

	clk.Advance(DefaultExpectTimeout)
	assert.Equal(t, 1, m.Sweep())
	_, ok := m.Get("t1", "unbound")
	assert.False(t, ok)
	assert.Len(t, rec.to("c1"), 1)

	clk.Advance(DefaultIdleTimeout - time.Second)
	require.NoError(t, m.RelayFromClient("t1", "busy", "c3", "x"))
	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	_, ok = m.Get("t1", "idle")
	assert.False(t, ok)
	_, ok = m.Get("t1", "busy")
	assert.True(t, ok)
}

func TestPurgeConnectionNotifiesPeer(t *testing.T) {
	m, rec, _ := newManager(t)
	m.Expect("s1", "client", "t1")
	require.True(t, m.Bind("t1", "s1", "agent"))
	m.Expect("s2", "other", "t1")

	assert.Equal(t, 1, m.PurgeConnection("t1", "agent"))
	assert.Len(t, rec.to("client"), 1)
	assert.Empty(t, rec.to("agent"))
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 0, m.PurgeConnection("t9", "agent"))
}

func TestAbandonKeepsBoundSessions(t *testing.T) {
	m, rec, _ := newManager(t)
	m.Expect("waiting", "client", "t1")
	m.Expect("live", "client", "t1")
	require.True(t, m.Bind("t1", "live", "agent"))

	assert.False(t, m.Abandon("t1", "live", "timed out"))
	assert.True(t, m.Abandon("t1", "waiting", "timed out"))
	assert.False(t, m.Abandon("t1", "waiting", "timed out"))
	assert.False(t, m.Abandon("t9", "live", "timed out"))

	assert.False(t, m.Bind("t1", "waiting", "agent"), "an abandoned expectation cannot be bound")
	msgs := rec.to("client")
	require.Len(t, msgs, 1)
	assert.Equal(t, "waiting", msgs[0].(protocol.TerminalClosed).SessionID)
	assert.Empty(t, rec.to("agent"))
	assert.Equal(t, 1, m.Len())
}
