package session

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/bluetuith-org/blecommand/api/bluetooth"
	"github.com/bluetuith-org/blecommand/api/errorkinds"
	"github.com/bluetuith-org/blecommand/api/helpers/awaitable"
	"github.com/bluetuith-org/blecommand/api/logger"
	"github.com/bluetuith-org/blecommand/commands"
	"github.com/bluetuith-org/blecommand/invoker"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// scanRun is one scan. It receives the scan callbacks of the adapter, so
// callbacks of a finished scan reach a settled run and are ignored.
type scanRun struct {
	cmd     *commands.StartScan
	filter  bluetooth.ScanFilter
	wait    *awaitable.Awaitable[[]bluetooth.DeviceData]
	session *Scan

	seen    map[bluetooth.MacAddress]struct{}
	devices []bluetooth.DeviceData

	mu sync.Mutex
}

// DeviceFound reports a device once per scan.
func (r *scanRun) DeviceFound(device bluetooth.DeviceData) {
	if r.wait.Settled() || !Matches(r.filter, device) {
		return
	}

	r.mu.Lock()
	if _, ok := r.seen[device.Address]; ok {
		r.mu.Unlock()
		return
	}
	r.seen[device.Address] = struct{}{}
	r.devices = append(r.devices, device)
	r.mu.Unlock()

	r.session.deps.Discovered.SetDefault(device.Address.String(), device)
	r.cmd.DeviceFound(device)
	r.session.deps.Bus.Publish(bluetooth.EventDeviceFound, device)
}

// ScanFailed fails the scan.
func (r *scanRun) ScanFailed(err error) {
	message := "The scan failed"
	if err != nil {
		message += ": " + err.Error()
	}

	r.wait.Reject(errorkinds.Wrap(errorkinds.ErrRejected, "scan", "", message))
}

// finish ends the scan successfully with the devices found so far.
func (r *scanRun) finish() {
	r.mu.Lock()
	devices := append([]bluetooth.DeviceData(nil), r.devices...)
	r.mu.Unlock()

	r.wait.Resolve(devices)
}

// Scan executes scan commands against the scanner of the adapter.
type Scan struct {
	unsupported

	deps Deps
	log  logger.Logger
	inv  *invoker.Invoker

	active *scanRun
	closed bool

	mu sync.Mutex
}

// NewScan starts the scan session.
func NewScan(deps Deps) *Scan {
	deps = deps.withDefaults()

	s := &Scan{
		unsupported: unsupported{kind: KindScan},
		deps:        deps,
		log:         deps.Log.With(logger.F("session", KindScan.String())),
	}
	s.inv = invoker.New(KindScan.String(), s, nil, deps.Log)

	return s
}

// Kind returns KindScan.
func (s *Scan) Kind() Kind {
	return KindScan
}

// Address returns bluetooth.NilAddress.
func (s *Scan) Address() bluetooth.MacAddress {
	return bluetooth.NilAddress
}

// State reports a running scan as connected.
func (s *Scan) State() bluetooth.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return bluetooth.StateConnected
	}

	return bluetooth.StateDisconnected
}

// Submit queues a command on the session.
func (s *Scan) Submit(cmd commands.Command) {
	s.inv.Add(cmd)
}

// StartScan starts scanning. The command succeeds with the devices found
// when the scan duration elapses or a StopScan arrives.
func (s *Scan) StartScan(c *commands.StartScan) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		c.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrSessionStop, "scan", "", "The session was stopped"))

		return

	case s.active != nil:
		s.mu.Unlock()
		c.ErrorAndComplete(errorkinds.Wrap(errorkinds.ErrBusy, "scan", "", "A scan is already running"))

		return
	}

	run := &scanRun{
		cmd:     c,
		filter:  c.Filter,
		wait:    awaitable.New[[]bluetooth.DeviceData](0),
		session: s,
		seen:    make(map[bluetooth.MacAddress]struct{}),
	}
	s.active = run
	s.mu.Unlock()

	run.wait.OnSettled(func(devices []bluetooth.DeviceData, err error) {
		s.mu.Lock()
		if s.active == run {
			s.active = nil
		}
		s.mu.Unlock()

		s.deps.Adapter.StopScan()

		if err != nil {
			s.log.Debug("Scan failed", append(commandFields(c), logger.Err(err))...)
			c.ErrorAndComplete(err)

			return
		}

		s.log.Debug("Scan finished", append(commandFields(c), logger.F("devices", len(devices)))...)
		c.ResultAndComplete(devices)
	})

	c.Go(func(ctx context.Context) {
		<-ctx.Done()
		run.wait.Cancel(errorkinds.Wrap(errorkinds.ErrCancelledTeardown, "scan", "", "The scan was cancelled"))
	})
	if c.Duration > 0 {
		c.After(c.Duration, run.finish)
	}

	s.log.Debug("Scanning", commandFields(c)...)
	if !s.deps.Adapter.StartScan(c.Filter, run) {
		run.wait.Reject(errorkinds.Wrap(errorkinds.ErrRejected, "scan", "", "The adapter refused to start scanning"))
	}
}

// StopScan stops the running scan, which then succeeds with the devices
// found so far.
func (s *Scan) StopScan(c *commands.StopScan) {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()

	if run != nil {
		run.finish()
	} else {
		s.deps.Adapter.StopScan()
	}

	c.Complete()
}

// Close stops the running scan and the session.
func (s *Scan) Close(c *commands.Close) {
	s.stop(errorkinds.Wrap(errorkinds.ErrCancelledTeardown, "scan", "", "The session was closed"))
	c.Complete()
}

// Shutdown stops the running scan and the session, and waits for it.
func (s *Scan) Shutdown() {
	s.stop(errorkinds.Wrap(errorkinds.ErrSessionStop, "scan", "", "The session was shut down"))
	s.inv.Wait()
}

// RadioChanged fails the running scan and forgets every discovered device
// when the radio is switched off.
func (s *Scan) RadioChanged(enabled bool) {
	if enabled {
		return
	}

	s.mu.Lock()
	run := s.active
	s.mu.Unlock()

	if run != nil {
		run.wait.Reject(errorkinds.Wrap(errorkinds.ErrDisconnected, "radio", "", "The radio was switched off"))
	}

	s.deps.Discovered.Flush()
}

func (s *Scan) stop(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true
	run := s.active
	s.mu.Unlock()

	if run != nil {
		fail(run.wait, reason)
	}

	s.inv.Close()
}

// Matches reports whether the device passes the scan filter. Names are
// compared case-insensitively, as a substring when the filter is fuzzy.
func Matches(filter bluetooth.ScanFilter, device bluetooth.DeviceData) bool {
	if !filter.Address.IsNil() && filter.Address != device.Address {
		return false
	}

	if filter.Name != "" {
		name, want := strings.ToLower(device.Name), strings.ToLower(filter.Name)
		if filter.FuzzyName && !strings.Contains(name, want) {
			return false
		}
		if !filter.FuzzyName && name != want {
			return false
		}
	}

	if filter.Service != uuid.Nil && !device.HasUUID(filter.Service) {
		return false
	}

	return true
}

// Discovered returns the devices remembered from previous scans, ordered by
// address.
func Discovered(c *cache.Cache) []bluetooth.DeviceData {
	items := c.Items()

	devices := make([]bluetooth.DeviceData, 0, len(items))
	for _, item := range items {
		if device, ok := item.Object.(bluetooth.DeviceData); ok {
			devices = append(devices, device)
		}
	}

	slices.SortFunc(devices, func(a, b bluetooth.DeviceData) int {
		return strings.Compare(a.Address.String(), b.Address.String())
	})

	return devices
}
