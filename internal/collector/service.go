package collector

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/attendkit/zkagent/internal/config"
	"github.com/attendkit/zkagent/internal/store"
)

// -------------------------------------------------------------------------
// Service -- pipeline orchestrator
// -------------------------------------------------------------------------

// Service wires the supervisor and the uploader over one store and runs
// them until shutdown.
type Service struct {
	cfg     *config.Config
	store   *store.Store
	metrics MetricsReporter
	log     *slog.Logger
}

// ServiceOption configures optional Service parameters.
type ServiceOption func(*Service)

// WithServiceMetrics sets the MetricsReporter passed down to the
// supervisor and the uploader. If mr is nil, a no-op reporter is used.
func WithServiceMetrics(mr MetricsReporter) ServiceOption {
	return func(svc *Service) {
		if mr != nil {
			svc.metrics = mr
		}
	}
}

// NewService creates the pipeline orchestrator.
func NewService(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...ServiceOption) *Service {
	svc := &Service{
		cfg:     cfg,
		store:   st,
		metrics: noopMetrics{},
		log:     logger.With(slog.String("component", "service")),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Run reconciles the device registry, starts the supervisor and the
// uploader, and blocks until ctx is cancelled or a subsystem fails.
func (svc *Service) Run(ctx context.Context) error {
	devices, err := svc.resolveDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		svc.log.Warn("no devices configured, capture idle")
	}

	sup := NewSupervisor(svc.store, devices, svc.cfg.Collector, svc.log,
		WithSupervisorMetrics(svc.metrics),
	)
	upl := NewUploader(svc.store, svc.cfg.Collector.UploadBatchLimit, svc.log,
		WithUploaderMetrics(svc.metrics),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return upl.Run(gctx) })
	return g.Wait()
}

// resolveDevices mirrors the configured terminals into the store registry
// and returns the active set. Connection parameters the registry does not
// hold (password, transport, timeouts) are overlaid from the
// configuration by serial number.
func (svc *Service) resolveDevices(ctx context.Context) ([]config.DeviceConfig, error) {
	bySerial := make(map[string]config.DeviceConfig, len(svc.cfg.Devices))
	for _, dc := range svc.cfg.Devices {
		bySerial[dc.SerialNumber] = dc

		if err := svc.store.AddDevice(ctx, &store.Device{
			IP:           dc.IP,
			Port:         dc.Port,
			SerialNumber: dc.SerialNumber,
			Name:         dc.Name,
			IsActive:     true,
		}); err != nil {
			return nil, fmt.Errorf("register device %s: %w", dc.SerialNumber, err)
		}
	}

	rows, err := svc.store.GetActiveDevices(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]config.DeviceConfig, 0, len(rows))
	for _, row := range rows {
		dc, ok := bySerial[row.SerialNumber]
		if !ok {
			// Registered out-of-band: run it with registry data only.
			dc = config.DeviceConfig{
				IP:           row.IP,
				Port:         row.Port,
				SerialNumber: row.SerialNumber,
				Name:         row.Name,
			}
		}
		devices = append(devices, dc)
	}
	return devices, nil
}
