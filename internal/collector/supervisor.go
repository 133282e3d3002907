// Package collector runs the capture-to-sync pipeline: one supervised
// protocol session per terminal feeding a bounded ingestion queue, a
// drain worker persisting punches with dedup, and an uploader forwarding
// pending rows to the HTTP backend.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attendkit/zkagent/internal/config"
	"github.com/attendkit/zkagent/internal/store"
	"github.com/attendkit/zkagent/internal/zk"
)

// -------------------------------------------------------------------------
// Supervision Policy
// -------------------------------------------------------------------------

const (
	// backoffStart is the first reconnect delay after a session fault.
	backoffStart = 5 * time.Second

	// backoffCap bounds the doubling reconnect delay.
	backoffCap = 60 * time.Second

	// enqueueTimeout is how long a device worker waits on a full queue
	// before the punch is dropped and counted.
	enqueueTimeout = 1 * time.Second

	// joinTimeout bounds the wait for workers on shutdown.
	joinTimeout = 5 * time.Second

	// flushTimeout bounds the final queue drain on shutdown.
	flushTimeout = 3 * time.Second

	// storageRetryDelay throttles the drain worker after a store fault so
	// a re-queued punch is not retried hot.
	storageRetryDelay = 1 * time.Second

	// clockDriftWarn is the device clock skew that gets logged.
	clockDriftWarn = 5 * time.Second
)

// capturedPunch is one live event plus its provenance, queued between the
// device worker and the drain worker.
type capturedPunch struct {
	event    zk.Attendance
	deviceIP string
	deviceSN string
}

// DeviceStatus is a point-in-time snapshot of one supervised terminal.
type DeviceStatus struct {
	// SerialNumber is the configured terminal identity.
	SerialNumber string

	// Connected reports whether a session is currently up.
	Connected bool

	// DeviceTime is the last clock value read from the terminal.
	DeviceTime time.Time

	// LastEvent is when the most recent punch arrived.
	LastEvent time.Time

	// ConsecutiveFailures counts session faults since the last punch.
	ConsecutiveFailures int
}

// -------------------------------------------------------------------------
// Supervisor
// -------------------------------------------------------------------------

// Supervisor owns one session per configured terminal. Each device worker
// runs the live-capture stream and enqueues punches; a single drain
// worker moves them into the store. Faulted sessions reconnect with
// doubling backoff.
type Supervisor struct {
	devices []config.DeviceConfig
	store   *store.Store
	queue   chan capturedPunch
	soft    time.Duration
	metrics MetricsReporter
	log     *slog.Logger

	mu       sync.Mutex
	statuses map[string]*DeviceStatus
}

// SupervisorOption configures optional Supervisor parameters.
type SupervisorOption func(*Supervisor)

// WithSupervisorMetrics sets the MetricsReporter. If mr is nil, a no-op
// reporter is used.
func WithSupervisorMetrics(mr MetricsReporter) SupervisorOption {
	return func(s *Supervisor) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// NewSupervisor creates a supervisor for the given terminals. cfg sizes
// the ingestion queue and the live-capture soft timeout.
func NewSupervisor(
	st *store.Store,
	devices []config.DeviceConfig,
	cfg config.CollectorConfig,
	logger *slog.Logger,
	opts ...SupervisorOption,
) *Supervisor {
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1024
	}
	s := &Supervisor{
		devices:  devices,
		store:    st,
		queue:    make(chan capturedPunch, queueSize),
		soft:     cfg.SoftTimeout,
		metrics:  noopMetrics{},
		log:      logger.With(slog.String("component", "supervisor")),
		statuses: make(map[string]*DeviceStatus, len(devices)),
	}
	for _, dc := range devices {
		s.statuses[dc.SerialNumber] = &DeviceStatus{SerialNumber: dc.SerialNumber}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the drain worker and one worker per terminal, then blocks
// until ctx is cancelled. Shutdown joins the workers with a bounded
// deadline; each worker stops its capture stream at the next soft-timeout
// checkpoint and disconnects.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drainLoop(ctx)
	}()

	for _, dc := range s.devices {
		dc := dc
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.deviceLoop(ctx, dc)
		}()
	}

	s.log.Info("supervisor started", slog.Int("devices", len(s.devices)))
	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("supervisor stopped")
	case <-time.After(joinTimeout):
		s.log.Warn("worker join deadline exceeded")
	}
	return nil
}

// -------------------------------------------------------------------------
// Device Worker
// -------------------------------------------------------------------------

// deviceLoop supervises one terminal: connect, capture until fault or
// shutdown, back off, reconnect. The backoff doubles per fault and resets
// once a punch arrives.
func (s *Supervisor) deviceLoop(ctx context.Context, dc config.DeviceConfig) {
	log := s.log.With(slog.String("device_sn", dc.SerialNumber))
	backoff := backoffStart

	for ctx.Err() == nil {
		err := s.runSession(ctx, dc, log, &backoff)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.recordFailure(dc.SerialNumber)
			s.metrics.IncReconnects(dc.SerialNumber)
			log.Warn("session ended, reconnecting",
				slog.Any("error", err),
				slog.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// runSession performs one full session: handshake, identity and clock
// checks, user cache refresh, then the live-capture loop. Returns nil on
// a clean shutdown-driven stop.
func (s *Supervisor) runSession(
	ctx context.Context,
	dc config.DeviceConfig,
	log *slog.Logger,
	backoff *time.Duration,
) error {
	client := zk.NewClient(dc.IP, zk.Options{
		Port:           dc.Port,
		ConnectTimeout: dc.ConnectTimeout,
		Password:       dc.Password,
		ForceUDP:       dc.ForceUDP,
		Logger:         log,
	})
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		_ = client.Disconnect()
		s.setConnected(dc.SerialNumber, false)
		s.metrics.SetDeviceConnected(dc.SerialNumber, false)
	}()
	s.setConnected(dc.SerialNumber, true)
	s.metrics.SetDeviceConnected(dc.SerialNumber, true)
	log.Info("device connected", slog.String("addr", client.Addr()))

	s.checkIdentity(client, dc, log)
	s.syncClock(client, dc, log)
	s.refreshUsers(ctx, client, dc, log)

	capture, err := client.LiveCapture(s.soft)
	if err != nil {
		return fmt.Errorf("start live capture: %w", err)
	}

	for {
		if ctx.Err() != nil {
			capture.Stop()
			// One more Next performs the stream teardown.
			_, _ = capture.Next()
			return nil
		}

		ev, err := capture.Next()
		if err != nil {
			if errors.Is(err, zk.ErrCaptureEnded) {
				return nil
			}
			return fmt.Errorf("live capture: %w", err)
		}
		if ev == nil {
			// Tick: soft timeout expired, session still healthy.
			continue
		}

		*backoff = backoffStart
		s.recordEvent(dc.SerialNumber)
		s.metrics.IncPunchesCaptured(dc.SerialNumber)
		s.enqueue(ctx, capturedPunch{
			event:    *ev,
			deviceIP: dc.IP,
			deviceSN: dc.SerialNumber,
		}, log)
	}
}

// checkIdentity compares the terminal's reported serial number against
// the configuration. A mismatch is logged, not fatal: punches are still
// attributed to the configured serial.
func (s *Supervisor) checkIdentity(client *zk.Client, dc config.DeviceConfig, log *slog.Logger) {
	sn, err := client.SerialNumber()
	if err != nil {
		log.Warn("read serial number", slog.Any("error", err))
		return
	}
	if sn != dc.SerialNumber {
		log.Warn("device serial mismatch",
			slog.String("configured", dc.SerialNumber),
			slog.String("reported", sn))
	}
	if fw, fwErr := client.FirmwareVersion(); fwErr == nil {
		log.Debug("device identified",
			slog.String("serial", sn),
			slog.String("firmware", fw))
	}
}

// syncClock reads the terminal clock, logs notable drift, and pushes the
// agent clock when the device is configured for it.
func (s *Supervisor) syncClock(client *zk.Client, dc config.DeviceConfig, log *slog.Logger) {
	deviceTime, err := client.GetTime()
	if err != nil {
		log.Warn("read device clock", slog.Any("error", err))
	} else {
		s.recordDeviceTime(dc.SerialNumber, deviceTime)
		drift := time.Since(deviceTime)
		if drift > clockDriftWarn || drift < -clockDriftWarn {
			log.Warn("device clock drift", slog.Duration("drift", drift))
		}
	}

	if !dc.SyncTimeOnConnect {
		return
	}
	if err := client.SetTime(time.Now()); err != nil {
		log.Warn("set device clock", slog.Any("error", err))
		return
	}
	log.Info("device clock synchronised")
}

// refreshUsers pulls the device user table into the store so punches that
// only carry the device-internal uid can still be attributed.
func (s *Supervisor) refreshUsers(
	ctx context.Context,
	client *zk.Client,
	dc config.DeviceConfig,
	log *slog.Logger,
) {
	users, err := client.GetUsers()
	if err != nil {
		log.Warn("read user table", slog.Any("error", err))
		return
	}
	rows := make([]store.User, 0, len(users))
	for _, u := range users {
		rows = append(rows, store.User{
			UserID:    u.UserID,
			UID:       u.UID,
			Name:      u.Name,
			Privilege: u.Privilege,
			Password:  u.Password,
			DeviceSN:  dc.SerialNumber,
		})
	}
	if err := s.store.UpsertUsers(ctx, rows); err != nil {
		log.Warn("refresh user cache", slog.Any("error", err))
		return
	}
	log.Debug("user cache refreshed", slog.Int("users", len(rows)))
}

// -------------------------------------------------------------------------
// Ingestion Queue
// -------------------------------------------------------------------------

// enqueue pushes a punch onto the bounded queue. When the queue is full
// the worker waits briefly for the drain worker; a punch dropped after
// that is loss under overload and is counted.
func (s *Supervisor) enqueue(ctx context.Context, p capturedPunch, log *slog.Logger) {
	select {
	case s.queue <- p:
		return
	default:
	}

	t := time.NewTimer(enqueueTimeout)
	defer t.Stop()
	select {
	case s.queue <- p:
	case <-t.C:
		s.metrics.IncQueueDrops(p.deviceSN)
		log.Warn("ingestion queue full, punch dropped",
			slog.String("user_id", p.event.UserID))
	case <-ctx.Done():
		s.metrics.IncQueueDrops(p.deviceSN)
	}
}

// drainLoop moves queued punches into the store. On shutdown the queue is
// flushed without waiting for new arrivals.
func (s *Supervisor) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case p := <-s.queue:
			if err := s.persist(ctx, p); err != nil {
				select {
				case <-ctx.Done():
				case <-time.After(storageRetryDelay):
				}
			}
		}
	}
}

// flush persists whatever is still queued at shutdown.
func (s *Supervisor) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case p := <-s.queue:
			_ = s.persist(ctx, p)
		default:
			return
		}
	}
}

// persist inserts one punch. Duplicates rejected by the dedup index are
// counted and discarded. On a store fault the punch goes back on the
// queue when there is room.
func (s *Supervisor) persist(ctx context.Context, p capturedPunch) error {
	inserted, err := s.store.InsertAttendance(ctx, &store.Attendance{
		UID:          p.event.UID,
		UserID:       p.event.UserID,
		PunchTime:    p.event.Timestamp,
		VerifyStatus: p.event.Status,
		Punch:        p.event.Punch,
		DeviceIP:     p.deviceIP,
		DeviceSN:     p.deviceSN,
	})
	if err != nil {
		s.metrics.IncStorageErrors(p.deviceSN)
		s.log.Error("persist punch",
			slog.String("device_sn", p.deviceSN),
			slog.Any("error", err))
		select {
		case s.queue <- p:
		default:
			s.metrics.IncQueueDrops(p.deviceSN)
		}
		return err
	}
	if !inserted {
		s.metrics.IncPunchesDuplicate(p.deviceSN)
	}
	return nil
}

// -------------------------------------------------------------------------
// Status Snapshots
// -------------------------------------------------------------------------

// GetDeviceStatus returns a snapshot for the given serial number.
func (s *Supervisor) GetDeviceStatus(serialNumber string) (DeviceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[serialNumber]
	if !ok {
		return DeviceStatus{}, false
	}
	return *st, true
}

func (s *Supervisor) setConnected(serialNumber string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[serialNumber]; ok {
		st.Connected = connected
	}
}

func (s *Supervisor) recordDeviceTime(serialNumber string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[serialNumber]; ok {
		st.DeviceTime = t
	}
}

func (s *Supervisor) recordEvent(serialNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[serialNumber]; ok {
		st.LastEvent = time.Now()
		st.ConsecutiveFailures = 0
	}
}

func (s *Supervisor) recordFailure(serialNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[serialNumber]; ok {
		st.ConsecutiveFailures++
	}
}
