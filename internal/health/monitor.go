package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/device"
	"school-biometric-core/internal/events"
	"school-biometric-core/internal/logging"
	"school-biometric-core/internal/store"
)

// deviceStore is the slice of the store the monitor needs
type deviceStore interface {
	ListActiveDevices() ([]*store.Device, error)
	UpdateDeviceStatus(id string, status store.DeviceStatus, lastSeen *time.Time) error
}

// connRunner runs a function against a device's serialized connection
type connRunner interface {
	WithConn(ctx context.Context, d *store.Device, fn func(conn device.Conn) error) error
}

// publisher fans status changes out to subscribers
type publisher interface {
	Publish(eventType, schoolID string, data map[string]interface{}) events.Event
}

// Config holds monitor settings
type Config struct {
	// Interval between probe cycles
	Interval time.Duration

	// MaxProbesInFlight bounds concurrent device probes per cycle
	MaxProbesInFlight int

	// SkipDevice reports whether a device should be left alone this
	// cycle. Devices mid-enrollment are skipped so probes do not
	// interleave with capture commands.
	SkipDevice func(deviceID string) bool
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MaxProbesInFlight <= 0 {
		c.MaxProbesInFlight = 8
	}
}

// Monitor periodically probes every registered device and keeps its
// online/offline status current
type Monitor struct {
	cfg      Config
	store    deviceStore
	registry connRunner
	events   publisher
	logger   *logrus.Entry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a health monitor
func NewMonitor(cfg Config, st deviceStore, reg connRunner, pub publisher, logger *logrus.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:      cfg,
		store:    st,
		registry: reg,
		events:   pub,
		logger:   logging.NewComponentLogger(logger, "health_monitor"),
	}
}

// Start launches the probe loop. The first cycle runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.logger.WithField("interval", m.cfg.Interval).Info("Health monitor started")
		m.runCycle(ctx)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Health monitor stopped")
				return
			case <-ticker.C:
				m.runCycle(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for the current cycle to finish
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// runCycle probes every active device with bounded concurrency
func (m *Monitor) runCycle(ctx context.Context) {
	devices, err := m.store.ListActiveDevices()
	if err != nil {
		m.logger.WithError(err).Error("Failed to list devices for health cycle")
		return
	}

	sem := make(chan struct{}, m.cfg.MaxProbesInFlight)
	var wg sync.WaitGroup

	var online, offline, skipped int64
	for _, d := range devices {
		if ctx.Err() != nil {
			break
		}
		if m.cfg.SkipDevice != nil && m.cfg.SkipDevice(d.ID) {
			m.logger.WithField("device_id", d.ID).Debug("Skipping probe, device busy")
			skipped++
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(d *store.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := m.ProbeDevice(ctx, d); err != nil {
				atomic.AddInt64(&offline, 1)
			} else {
				atomic.AddInt64(&online, 1)
			}
		}(d)
	}

	wg.Wait()

	m.logger.WithFields(logrus.Fields{
		"devices": len(devices),
		"online":  atomic.LoadInt64(&online),
		"offline": atomic.LoadInt64(&offline),
		"skipped": skipped,
	}).Info("Health check cycle complete")
}

// ProbeDevice checks one device, records the result and publishes a
// status change event when the status flipped. It returns the observed
// status along with the probe error, if any.
func (m *Monitor) ProbeDevice(ctx context.Context, d *store.Device) (store.DeviceStatus, error) {
	log := m.logger.WithField("device_id", d.ID)

	err := m.registry.WithConn(ctx, d, func(conn device.Conn) error {
		return conn.Probe(ctx)
	})

	status := store.DeviceStatusOnline
	var lastSeen *time.Time
	if err != nil {
		status = store.DeviceStatusOffline
		log.WithError(err).WithField("reason", device.Reason(err)).Debug("Device probe failed")
	} else {
		now := time.Now().UTC()
		lastSeen = &now
	}

	// A failed probe must not advance last-seen
	if updateErr := m.store.UpdateDeviceStatus(d.ID, status, lastSeen); updateErr != nil {
		log.WithError(updateErr).Error("Failed to record device status")
		return status, err
	}

	if d.Status != status {
		data := map[string]interface{}{
			"device_id": d.ID,
			"status":    string(status),
		}
		if err != nil {
			data["reason"] = device.Reason(err)
		}
		m.events.Publish(events.TypeDeviceStatusChanged, d.SchoolID, data)
		log.WithFields(logrus.Fields{
			"from": d.Status,
			"to":   status,
		}).Info("Device status changed")
	}

	return status, err
}
