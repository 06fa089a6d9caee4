package invoker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addr   = bluetooth.MustParseMAC("11:22:33:44:55:66")
	target = commands.Target{Characteristic: uuid.MustParse("00002a00-0000-1000-8000-00805f9b34fb")}
)

// recorder executes commands by recording them. Commands listed in hold
// stay in flight until released.
type recorder struct {
	executed []commands.Command
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	hold     map[commands.Command]bool
	started  chan commands.Command

	mu sync.Mutex
}

func newRecorder() *recorder {
	return &recorder{
		hold:    make(map[commands.Command]bool),
		started: make(chan commands.Command, 16),
	}
}

func (r *recorder) holdCommand(c commands.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hold[c] = true
}

func (r *recorder) run(c commands.Command, complete func()) {
	r.mu.Lock()
	r.executed = append(r.executed, c)
	held := r.hold[c]
	r.mu.Unlock()

	n := r.inFlight.Add(1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	r.started <- c

	if held {
		go func() {
			<-c.Done()
			r.inFlight.Add(-1)
		}()

		return
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		r.inFlight.Add(-1)
		complete()
	}()
}

func (r *recorder) order() []commands.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]commands.Command(nil), r.executed...)
}

func (r *recorder) Connect(c *commands.Connect)       { r.run(c, c.Complete) }
func (r *recorder) Disconnect(c *commands.Disconnect) { r.run(c, c.Complete) }
func (r *recorder) Read(c *commands.Read) {
	r.run(c, func() { c.ResultAndComplete([]byte{1}) })
}
func (r *recorder) Write(c *commands.Write)                       { r.run(c, c.Complete) }
func (r *recorder) Subscribe(c *commands.Subscribe)               { r.run(c, c.Complete) }
func (r *recorder) WriteAndWait(c *commands.WriteAndWait)         { r.run(c, c.Complete) }
func (r *recorder) RequestMtu(c *commands.RequestMtu)             { r.run(c, c.Complete) }
func (r *recorder) ReadRssi(c *commands.ReadRssi)                 { r.run(c, c.Complete) }
func (r *recorder) StartScan(c *commands.StartScan)               { r.run(c, c.Complete) }
func (r *recorder) StopScan(c *commands.StopScan)                 { r.run(c, c.Complete) }
func (r *recorder) StartAdvertising(c *commands.StartAdvertising) { r.run(c, c.Complete) }
func (r *recorder) StopAdvertising(c *commands.StopAdvertising)   { r.run(c, c.Complete) }
func (r *recorder) Close(c *commands.Close)                       { r.run(c, c.Complete) }

func waitDone(t *testing.T, c commands.Command) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "command did not complete", c.Description())
	}
}

func waitStarted(t *testing.T, r *recorder, c commands.Command) {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.started:
			if s == c {
				return
			}

		case <-timeout:
			require.FailNow(t, "command did not start", c.Description())
		}
	}
}

func TestSequentialOrder(t *testing.T) {
	r := newRecorder()
	inv := New("test", r, nil, nil)
	defer inv.Close()

	cmds := []commands.Command{
		commands.NewConnect(addr),
		commands.NewRead(addr, target),
		commands.NewWrite(addr, target, []byte{1}),
		commands.NewReadRssi(addr),
	}
	for _, c := range cmds {
		inv.Add(c)
	}

	waitDone(t, cmds[len(cmds)-1])

	assert.Equal(t, cmds, r.order())
	assert.Equal(t, int32(1), r.maxSeen.Load())
	assert.Equal(t, int64(4), inv.Stats().Executed)
}

func TestDuplicateDiscarded(t *testing.T) {
	r := newRecorder()
	inv := New("test", r, nil, nil)
	defer inv.Close()

	first := commands.NewRead(addr, target)
	r.holdCommand(first)
	inv.Add(first)
	waitStarted(t, r, first)

	var called atomic.Bool
	dup := commands.NewRead(addr, target, commands.OnCompleted(func() { called.Store(true) }))
	inv.Add(dup)

	first.ResultAndComplete([]byte{1})
	time.Sleep(20 * time.Millisecond)

	assert.False(t, called.Load())
	assert.False(t, dup.Completed())
	assert.Equal(t, int64(1), inv.Stats().Discarded)
	assert.Len(t, r.order(), 1)
}

func TestImmediatePreempts(t *testing.T) {
	r := newRecorder()
	inv := New("test", r, nil, nil)
	defer inv.Close()

	connect := commands.NewConnect(addr)
	r.holdCommand(connect)
	inv.Add(connect)
	waitStarted(t, r, connect)

	queued := commands.NewReadRssi(addr)
	inv.Add(queued)

	disconnect := commands.NewDisconnect(addr)
	inv.Add(disconnect)
	waitDone(t, disconnect)

	assert.False(t, connect.Completed())
	assert.Equal(t, []commands.Command{connect, disconnect}, r.order()[:2])

	waitDone(t, queued)
	assert.Equal(t, int64(1), inv.Stats().Preempted)
	connect.Cancel()
}

func TestAdmitterRejects(t *testing.T) {
	r := newRecorder()
	busy := errorkinds.Wrap(errorkinds.ErrBusy, "test", "", "")
	inv := New("test", r, AdmitFunc(func(cmd, current commands.Command) (bool, error) {
		if cmd.Kind() == commands.KindConnect {
			return false, busy
		}

		return false, nil
	}), nil)
	defer inv.Close()

	var failure error
	c := commands.NewConnect(addr, commands.OnError(func(err error) { failure = err }))
	inv.Add(c)

	waitDone(t, c)
	assert.ErrorIs(t, failure, errorkinds.ErrBusy)
	assert.Empty(t, r.order())
	assert.Equal(t, int64(1), inv.Stats().Rejected)
}

func TestCompletedCommandSkipped(t *testing.T) {
	r := newRecorder()
	inv := New("test", r, nil, nil)
	defer inv.Close()

	first := commands.NewConnect(addr)
	r.holdCommand(first)
	inv.Add(first)
	waitStarted(t, r, first)

	cancelled := commands.NewReadRssi(addr)
	inv.Add(cancelled)
	cancelled.Cancel()

	last := commands.NewRead(addr, target)
	inv.Add(last)
	first.Complete()

	waitDone(t, last)
	assert.Equal(t, []commands.Command{first, last}, r.order())
}

func TestClose(t *testing.T) {
	r := newRecorder()
	inv := New("test", r, nil, nil)

	first := commands.NewConnect(addr)
	r.holdCommand(first)
	inv.Add(first)
	waitStarted(t, r, first)

	var called atomic.Bool
	queued := commands.NewReadRssi(addr, commands.OnError(func(error) { called.Store(true) }))
	inv.Add(queued)

	inv.Close()
	inv.Close()
	inv.Wait()

	waitDone(t, queued)
	assert.False(t, called.Load())
	assert.True(t, inv.Closed())

	var failure error
	late := commands.NewConnect(addr, commands.OnError(func(err error) { failure = err }))
	inv.Add(late)
	waitDone(t, late)
	assert.ErrorIs(t, failure, errorkinds.ErrSessionStop)

	first.Cancel()
}
