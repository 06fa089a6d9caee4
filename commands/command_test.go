package commands

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = bluetooth.MustParseMAC("AA:BB:CC:DD:EE:01")
	addrB = bluetooth.MustParseMAC("AA:BB:CC:DD:EE:02")

	serviceID = uuid.MustParse("0000180d-0000-1000-8000-00805f9b34fb")
	charID    = uuid.MustParse("00002a37-0000-1000-8000-00805f9b34fb")
)

type callbacks struct {
	results   atomic.Int32
	errors    atomic.Int32
	completed atomic.Int32
	lastErr   atomic.Value
}

func (cb *callbacks) options() []Option {
	return []Option{
		OnError(func(err error) {
			cb.errors.Add(1)
			cb.lastErr.Store(err)
		}),
		OnCompleted(func() {
			cb.completed.Add(1)
		}),
	}
}

func TestCompleteOnce(t *testing.T) {
	cb := &callbacks{}
	c := NewRead(addrA, Target{Characteristic: charID}, cb.options()...)
	c.OnResult(func([]byte) { cb.results.Add(1) })

	c.ResultAndComplete([]byte{1})
	c.ResultAndComplete([]byte{2})
	c.ErrorAndComplete(errors.New("late"))
	c.Complete()

	assert.Equal(t, int32(1), cb.results.Load())
	assert.Zero(t, cb.errors.Load())
	assert.Equal(t, int32(1), cb.completed.Load())
	assert.True(t, c.Completed())
	assert.False(t, c.Errored())
	assert.NoError(t, c.Err())
}

func TestErrorOnce(t *testing.T) {
	cb := &callbacks{}
	c := NewConnect(addrA, cb.options()...)
	c.OnResult(func(NoResult) { cb.results.Add(1) })

	c.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrBusy, "test", "", ""))
	c.ErrorAndComplete(errors.New("second"))
	c.ResultAndComplete(NoResult{})

	assert.Zero(t, cb.results.Load())
	assert.Equal(t, int32(1), cb.errors.Load())
	assert.Equal(t, int32(1), cb.completed.Load())
	assert.True(t, c.Errored())
	assert.ErrorIs(t, c.Err(), errorkinds.ErrBusy)
}

func TestConcurrentCompletion(t *testing.T) {
	for range 50 {
		cb := &callbacks{}
		c := NewReadRssi(addrA, cb.options()...)
		c.OnResult(func(int) { cb.results.Add(1) })

		var wg sync.WaitGroup
		for i := range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if i%2 == 0 {
					c.ResultAndComplete(i)
				} else {
					c.ErrorAndComplete(errors.New("failed"))
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), cb.results.Load()+cb.errors.Load())
		assert.Equal(t, int32(1), cb.completed.Load())
	}
}

func TestOwnedTasksCancelled(t *testing.T) {
	c := NewConnect(addrA)

	stopped := make(chan struct{})
	c.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	var fired atomic.Bool
	c.After(20*time.Millisecond, func() { fired.Store(true) })

	c.Cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("owned task was not cancelled")
	}

	time.Sleep(40 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.True(t, errorkinds.IsCancelled(c.Err()))

	c.Go(func(context.Context) { t.Error("task started after completion") })
}

func TestInterceptor(t *testing.T) {
	cb := &callbacks{}
	c := NewRead(addrA, Target{Characteristic: charID}, cb.options()...)
	c.OnResult(func([]byte) { cb.results.Add(1) })

	rec := &recordingInterceptor{}
	Intercept(c, rec)
	c.ResultAndComplete([]byte{9})

	assert.Zero(t, cb.results.Load())
	assert.Zero(t, cb.completed.Load())
	assert.Equal(t, []byte{9}, rec.result)
	assert.True(t, rec.completed)
}

func TestDefaults(t *testing.T) {
	c := NewConnect(addrA)
	DefaultTimeout(c, 5*time.Second)
	assert.Equal(t, 5*time.Second, c.Timeout())

	c = NewConnect(addrA, WithTimeout(0))
	DefaultTimeout(c, 5*time.Second)
	assert.Zero(t, c.Timeout())
}

func TestEquality(t *testing.T) {
	target := Target{Service: serviceID, Characteristic: charID}

	assert.True(t, NewConnect(addrA).Equal(NewConnect(addrA)))
	assert.False(t, NewConnect(addrA).Equal(NewConnect(addrB)))
	assert.False(t, NewConnect(addrA).Equal(NewDisconnect(addrA)))

	assert.True(t, NewRead(addrA, target, WithTimeout(time.Second)).Equal(NewRead(addrA, target, WithTimeout(time.Minute))))
	assert.False(t, NewRead(addrA, target).Equal(NewRead(addrA, Target{Characteristic: charID})))

	assert.True(t, NewWrite(addrA, target, []byte{1, 2}).Equal(NewWrite(addrA, target, []byte{1, 2})))
	assert.False(t, NewWrite(addrA, target, []byte{1, 2}).Equal(NewWrite(addrA, target, []byte{1, 3})))

	assert.True(t, NewStartScan(bluetooth.ScanFilter{Name: "x"}, 0).Equal(NewStartScan(bluetooth.ScanFilter{Name: "x"}, time.Second)))
	assert.False(t, NewStartScan(bluetooth.ScanFilter{Name: "x"}, 0).Equal(NewStartScan(bluetooth.ScanFilter{}, 0)))

	params := bluetooth.AdvertiseParams{LocalName: "dev", Manufacturer: map[uint16][]byte{1: {2}}}
	assert.True(t, NewStartAdvertising(params).Equal(NewStartAdvertising(params)))
}

func TestDuplicate(t *testing.T) {
	current := NewConnect(addrA)

	assert.True(t, Duplicate(current, NewConnect(addrA)))
	assert.True(t, Duplicate(current, current))
	assert.False(t, Duplicate(current, NewConnect(addrB)))
	assert.False(t, Duplicate(nil, current))

	current.Complete()
	assert.False(t, Duplicate(current, NewConnect(addrA)))
}

func TestKinds(t *testing.T) {
	assert.True(t, KindDisconnect.Immediate())
	assert.True(t, KindClose.Immediate())
	assert.False(t, KindConnect.Immediate())

	assert.Equal(t, ScopeLink, KindConnect.Scope())
	assert.Equal(t, ScopeData, KindWriteAndWait.Scope())
	assert.Equal(t, ScopeScan, KindStopScan.Scope())

	assert.False(t, KindStopScan.RequiresRadio())
	assert.True(t, KindRead.RequiresRadio())
}

func TestCompositeSuccess(t *testing.T) {
	connectCb, readCb, compositeCb := &callbacks{}, &callbacks{}, &callbacks{}

	connect := NewConnect(addrA, connectCb.options()...)
	read := NewRead(addrA, Target{Characteristic: charID}, readCb.options()...)

	var value []byte
	read.OnResult(func(b []byte) { value = b })

	c := NewComposite(1, []Command{connect, read}, compositeCb.options()...)
	c.Run(func(sub Command) {
		switch s := sub.(type) {
		case *Connect:
			s.Complete()
		case *Read:
			s.ResultAndComplete([]byte("ok"))
		}
	})

	requireDone(t, c)
	assert.NoError(t, c.Err())
	assert.Zero(t, connectCb.completed.Load())
	assert.Equal(t, int32(1), readCb.completed.Load())
	assert.Equal(t, []byte("ok"), value)
	assert.Equal(t, int32(1), compositeCb.completed.Load())
}

func TestCompositeFailure(t *testing.T) {
	connectCb, readCb := &callbacks{}, &callbacks{}

	connect := NewConnect(addrA, connectCb.options()...)
	read := NewRead(addrA, Target{Characteristic: charID}, readCb.options()...)

	c := NewComposite(1, []Command{connect, read})
	c.Run(func(sub Command) {
		if s, ok := sub.(*Connect); ok {
			s.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrMethodTimeout, "test", "", ""))
		}
	})

	requireDone(t, c)
	assert.True(t, errorkinds.IsTimeout(c.Err()))
	assert.Zero(t, connectCb.errors.Load())
	assert.Equal(t, int32(1), readCb.errors.Load())
	assert.True(t, errorkinds.IsTimeout(readCb.lastErr.Load().(error)))
}

func TestCompositeRejected(t *testing.T) {
	c := NewComposite(0, []Command{NewConnect(addrA)})
	c.Run(func(Command) { t.Error("nothing should run") })

	requireDone(t, c)
	assert.Equal(t, errorkinds.KindRejected, errorkinds.KindOf(c.Err()))
}

func requireDone(t *testing.T, c Command) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		require.FailNow(t, "command did not complete")
	}
}

type recordingInterceptor struct {
	result    any
	err       error
	completed bool
}

func (r *recordingInterceptor) InterceptResult(_ Command, value any) { r.result = value }
func (r *recordingInterceptor) InterceptFailure(_ Command, err error) { r.err = err }
func (r *recordingInterceptor) InterceptCompleted(Command)            { r.completed = true }
