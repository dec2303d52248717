package pending

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/fleetrelay/internal/bus"
	"github.com/basket/fleetrelay/internal/protocol"
)

type sent struct {
	connID string
	msg    any
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Send(connID string, msg any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{connID: connID, msg: msg})
	return true
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.msgs...)
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

func newTable(t *testing.T, limit int) (*Table, *recorder, *clock) {
	t.Helper()
	rec := &recorder{}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	return New(Config{Sender: rec, MaxPerClient: limit, DefaultTimeout: 10 * time.Second, Now: clk.Now}), rec, clk
}

func entry(taskID, conn string) Entry {
	return Entry{TaskID: taskID, RequestID: "req-" + taskID, OwnerConnID: conn, TenantID: "t1", Kind: protocol.KindFileRead}
}

func TestResolveDeliversToOwnerOnly(t *testing.T) {
	tbl, rec, _ := newTable(t, 10)
	require.True(t, tbl.Register(entry("task-1", "c1")))
	require.True(t, tbl.Register(entry("task-2", "c2")))

	assert.True(t, tbl.Resolve("t1", "task-1", map[string]any{"success": true, "content": "abc"}))

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].connID)
	reply, ok := msgs[0].msg.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "req-task-1", reply["requestId"])
	assert.Equal(t, "task-1", reply["taskId"])
	assert.Equal(t, "abc", reply["content"])
	assert.Equal(t, protocol.KindTaskResponse, reply["kind"])

	assert.False(t, tbl.Resolve("t1", "task-1", nil), "second resolve is a no-op")
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, 1, tbl.Len())
}

func TestResolveUnknownOrOtherTenant(t *testing.T) {
	tbl, rec, _ := newTable(t, 10)
	require.True(t, tbl.Register(entry("task-1", "c1")))

	assert.False(t, tbl.Resolve("t1", "missing", map[string]any{"success": true}))
	assert.False(t, tbl.Resolve("t2", "task-1", map[string]any{"success": true}), "tenants are isolated")
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, tbl.Len())
}

func TestResolveMergesExtra(t *testing.T) {
	tbl, rec, _ := newTable(t, 10)
	e := entry("task-1", "c1")
	e.Extra = map[string]any{"streamId": "s1"}
	require.True(t, tbl.Register(e))
	require.True(t, tbl.Resolve("t1", "task-1", map[string]any{"success": true}))

	reply := rec.all()[0].msg.(map[string]any)
	assert.Equal(t, "s1", reply["streamId"])
}

func TestFailSendsError(t *testing.T) {
	tbl, rec, _ := newTable(t, 10)
	require.True(t, tbl.Register(entry("task-1", "c1")))
	require.True(t, tbl.Fail("t1", "task-1", protocol.CodeAgentDisconnected, "no agent"))

	msgs := rec.all()
	require.Len(t, msgs, 1)
	errMsg, ok := msgs[0].msg.(protocol.ErrorMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeAgentDisconnected, errMsg.Code)
	assert.Equal(t, protocol.CategoryAgent, errMsg.Category)
	assert.Equal(t, "req-task-1", errMsg.RequestID)
	assert.Equal(t, "task-1", errMsg.TaskID)
	assert.False(t, tbl.Fail("t1", "task-1", protocol.CodeAgentError, "again"))
}

func TestTimeoutDeliversExactlyOnce(t *testing.T) {
	tbl, rec, clk := newTable(t, 10)
	e := entry("task-1", "c1")
	e.Timeout = 5 * time.Second
	require.True(t, tbl.Register(e))

	clk.Advance(4 * time.Second)
	assert.Equal(t, 0, tbl.Sweep())
	assert.Empty(t, rec.all())

	clk.Advance(time.Second)
	assert.Equal(t, 1, tbl.Sweep())
	assert.Equal(t, 0, tbl.Sweep())

	msgs := rec.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.CodeAgentTimeout, msgs[0].msg.(protocol.ErrorMessage).Code)
	_, ok := tbl.get("t1", "task-1")
	assert.False(t, ok)
	assert.False(t, tbl.Resolve("t1", "task-1", map[string]any{"success": true}), "late response is discarded")
}

func TestDefaultTimeoutApplies(t *testing.T) {
	tbl, _, clk := newTable(t, 10)
	require.True(t, tbl.Register(entry("task-1", "c1")))
	got, ok := tbl.get("t1", "task-1")
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, got.Timeout)
	assert.Equal(t, clk.Now(), got.CreatedAt)
}

func TestCapPerClient(t *testing.T) {
	tbl, rec, _ := newTable(t, 2)
	require.True(t, tbl.Register(entry("a", "c1")))
	require.True(t, tbl.Register(entry("b", "c1")))
	assert.False(t, tbl.Register(entry("c", "c1")))
	assert.True(t, tbl.Register(entry("d", "c2")), "cap is per connection")

	assert.Equal(t, 2, tbl.countFor("t1", "c1"))
	_, ok := tbl.get("t1", "c")
	assert.False(t, ok, "rejected registration leaves no entry")
	assert.Empty(t, rec.all())

	require.True(t, tbl.Resolve("t1", "a", nil))
	assert.True(t, tbl.Register(entry("c", "c1")), "slot frees after resolve")
}

func TestDuplicateTaskIDRejected(t *testing.T) {
	tbl, _, _ := newTable(t, 10)
	require.True(t, tbl.Register(entry("a", "c1")))
	assert.False(t, tbl.Register(entry("a", "c2")))
	assert.Equal(t, 0, tbl.countFor("t1", "c2"))
}

func TestSetMaxPerClient(t *testing.T) {
	tbl, _, _ := newTable(t, 1)
	require.True(t, tbl.Register(entry("a", "c1")))
	assert.False(t, tbl.Register(entry("b", "c1")))
	tbl.SetMaxPerClient(3)
	assert.True(t, tbl.Register(entry("b", "c1")))
}

func TestPurgeConnectionIsSilent(t *testing.T) {
	tbl, rec, clk := newTable(t, 10)
	require.True(t, tbl.Register(entry("a", "c1")))
	require.True(t, tbl.Register(entry("b", "c1")))
	require.True(t, tbl.Register(entry("c", "c2")))

	ids := tbl.PurgeConnection("t1", "c1")
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	assert.Equal(t, 0, tbl.countFor("t1", "c1"))
	assert.Nil(t, tbl.PurgeConnection("t1", "c1"))
	assert.Nil(t, tbl.PurgeConnection("t9", "c1"))

	clk.Advance(time.Hour)
	assert.Equal(t, 1, tbl.Sweep())
	for _, m := range rec.all() {
		assert.NotEqual(t, "c1", m.connID, "sweep never targets a purged connection")
	}
}

func TestBusEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("relay.pending.")
	defer b.Unsubscribe(sub)

	rec := &recorder{}
	tbl := New(Config{Sender: rec, Bus: b})
	require.True(t, tbl.Register(entry("a", "c1")))
	require.True(t, tbl.Fail("t1", "a", protocol.CodeAgentTimeout, "late"))

	for _, topic := range []string{bus.TopicPendingRegistered, bus.TopicPendingTimeout} {
		select {
		case ev := <-sub.Ch():
			assert.Equal(t, topic, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("missing %s", topic)
		}
	}
}

func TestConcurrentResolveAndSweepConsumeOnce(t *testing.T) {
	tbl, rec, clk := newTable(t, 1000)
	for i := 0; i < 200; i++ {
		e := entry(fmt.Sprintf("task-%d", i), "c1")
		e.Timeout = time.Second
		require.True(t, tbl.Register(e))
	}
	clk.Advance(2 * time.Second)

	var resolved atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if tbl.Resolve("t1", fmt.Sprintf("task-%d", i), nil) {
				resolved.Add(1)
			}
		}
	}()
	var swept int
	go func() {
		defer wg.Done()
		swept = tbl.Sweep()
	}()
	wg.Wait()

	assert.Equal(t, 200, int(resolved.Load())+swept)
	assert.Len(t, rec.all(), 200)
	assert.Equal(t, 0, tbl.Len())
}

func TestFailHookSeesFailuresAndTimeoutsOnly(t *testing.T) {
	tbl, _, clk := newTable(t, 10)

	type failed struct {
		taskID string
		code   protocol.Code
		extra  any
	}
	var (
		mu  sync.Mutex
		got []failed
	)
	tbl.OnFail(func(e Entry, code protocol.Code, _ string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, failed{taskID: e.TaskID, code: code, extra: e.Extra["streamId"]})
	})

	stream := entry("stream", "c1")
	stream.Extra = map[string]any{"streamId": "k1"}
	require.True(t, tbl.Register(stream))
	require.True(t, tbl.Register(entry("slow", "c1")))
	require.True(t, tbl.Register(entry("ok", "c1")))
	require.True(t, tbl.Register(entry("gone", "c2")))

	require.True(t, tbl.Fail("t1", "stream", protocol.CodeAgentError, "boom"))
	require.True(t, tbl.Resolve("t1", "ok", map[string]any{}))
	tbl.PurgeConnection("t1", "c2")
	clk.Advance(time.Minute)
	require.Equal(t, 1, tbl.Sweep())
	assert.False(t, tbl.Fail("t1", "stream", protocol.CodeAgentError, "again"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []failed{
		{taskID: "stream", code: protocol.CodeAgentError, extra: "k1"},
		{taskID: "slow", code: protocol.CodeAgentTimeout, extra: nil},
	}, got)
}
