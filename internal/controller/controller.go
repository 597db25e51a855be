package controller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"greenbox/internal/eventbus"
	"greenbox/internal/sensor"
	logx "greenbox/pkg/logx"
)

var ErrAlreadyRunning = errors.New("controller already running")

// Sweeper is the part of the scheduler the controller drives.
type Sweeper interface {
	ProcessDueTasks(ctx context.Context)
}

// Recorder persists readings and alerts. Optional.
type Recorder interface {
	AppendReading(ctx context.Context, r sensor.Reading) error
	AppendAlert(ctx context.Context, a eventbus.Alert, at time.Time) error
}

// Observer receives per-cycle measurements (metrics). Optional.
type Observer interface {
	ObserveReading(r sensor.Reading)
	ObserveReadError(kind sensor.Kind)
	ObserveAlert(a eventbus.Alert)
	ObserveCycle(took time.Duration)
}

// Thresholds are the alert limits. Nil optional limits are not checked.
type Thresholds struct {
	MaxTemp     float64
	MinHumidity float64
	MinMoisture *float64
	MinLight    *float64
}

type Config struct {
	Cadence    Cadence
	Thresholds Thresholds
}

// Deps are the collaborators of a Controller. Only Sweeper is required.
type Deps struct {
	Sensors  []sensor.Sensor
	Sweeper  Sweeper
	Bus      eventbus.Bus
	Recorder Recorder
	Observer Observer
	Logger   logx.Logger
	Now      func() time.Time
}

type Controller struct {
	sensors  []sensor.Sensor
	sweeper  Sweeper
	bus      eventbus.Bus
	recorder Recorder
	obs      Observer
	log      logx.Logger
	now      func() time.Time

	mu      sync.Mutex
	cfg     Config
	latest  map[sensor.Kind]sensor.Reading
	running bool
	cancel  context.CancelFunc
	wake    chan struct{}
}

func New(cfg Config, d Deps) (*Controller, error) {
	if d.Sweeper == nil {
		return nil, errors.New("controller: sweeper is required")
	}
	if cfg.Cadence.Kind == CadenceInterval && cfg.Cadence.Every <= 0 {
		return nil, errors.New("controller: cadence interval must be > 0")
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Controller{
		sensors:  d.Sensors,
		sweeper:  d.Sweeper,
		bus:      d.Bus,
		recorder: d.Recorder,
		obs:      d.Observer,
		log:      d.Logger.With(logx.String("comp", "controller")),
		now:      d.Now,
		cfg:      cfg,
		latest:   map[sensor.Kind]sensor.Reading{},
		wake:     make(chan struct{}, 1),
	}, nil
}

// Apply swaps thresholds and cadence. A running loop picks up the new
// cadence after its current wait.
func (c *Controller) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Latest returns the most recent successful reading of each sensor kind.
func (c *Controller) Latest() map[sensor.Kind]sensor.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[sensor.Kind]sensor.Reading, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ProcessCycle runs one control cycle: sample, sweep, alert.
func (c *Controller) ProcessCycle(ctx context.Context) {
	start := c.now()
	cfg := c.config()

	readings := c.readAll(ctx)

	fields := make([]logx.Field, 0, len(readings))
	for _, r := range readings {
		fields = append(fields, logx.Float64(string(r.Kind), r.Value))
	}
	c.log.Debug("Sensor readings", fields...)

	c.sweeper.ProcessDueTasks(ctx)

	for _, a := range checkThresholds(cfg.Thresholds, readings) {
		c.raise(ctx, a)
	}

	if c.obs != nil {
		c.obs.ObserveCycle(c.now().Sub(start))
	}
}

func (c *Controller) readAll(ctx context.Context) map[sensor.Kind]sensor.Reading {
	out := make(map[sensor.Kind]sensor.Reading, len(c.sensors))
	for _, s := range c.sensors {
		r, err := s.Read(ctx)
		if err != nil {
			c.log.Warn("sensor read failed", logx.String("sensor", string(s.Kind())), logx.Err(err))
			if c.obs != nil {
				c.obs.ObserveReadError(s.Kind())
			}
			continue
		}
		if r.At.IsZero() {
			r.At = c.now()
		}
		out[r.Kind] = r

		c.mu.Lock()
		c.latest[r.Kind] = r
		c.mu.Unlock()

		c.bus.Publish(eventbus.Event{Type: eventbus.TypeReading, Time: r.At, Data: r})
		if c.obs != nil {
			c.obs.ObserveReading(r)
		}
		if c.recorder != nil {
			if err := c.recorder.AppendReading(ctx, r); err != nil {
				c.log.Warn("store reading failed", logx.String("sensor", string(r.Kind)), logx.Err(err))
			}
		}
	}
	return out
}

func checkThresholds(t Thresholds, readings map[sensor.Kind]sensor.Reading) []eventbus.Alert {
	var out []eventbus.Alert
	if r, ok := readings[sensor.Temperature]; ok && r.Value > t.MaxTemp {
		out = append(out, eventbus.Alert{
			Key: "temperature.high", Kind: string(sensor.Temperature), Value: r.Value, Limit: t.MaxTemp,
			Message: fmt.Sprintf("Temperature too high: %.1f°C", r.Value),
		})
	}
	if r, ok := readings[sensor.Humidity]; ok && r.Value < t.MinHumidity {
		out = append(out, eventbus.Alert{
			Key: "humidity.low", Kind: string(sensor.Humidity), Value: r.Value, Limit: t.MinHumidity,
			Message: fmt.Sprintf("Humidity too low: %.1f%%", r.Value),
		})
	}
	if r, ok := readings[sensor.Moisture]; ok && t.MinMoisture != nil && r.Value < *t.MinMoisture {
		out = append(out, eventbus.Alert{
			Key: "moisture.low", Kind: string(sensor.Moisture), Value: r.Value, Limit: *t.MinMoisture,
			Message: fmt.Sprintf("Soil moisture too low: %.1f%%", r.Value),
		})
	}
	if r, ok := readings[sensor.Light]; ok && t.MinLight != nil && r.Value < *t.MinLight {
		out = append(out, eventbus.Alert{
			Key: "light.low", Kind: string(sensor.Light), Value: r.Value, Limit: *t.MinLight,
			Message: fmt.Sprintf("Light too low: %.1f lux", r.Value),
		})
	}
	return out
}

func (c *Controller) raise(ctx context.Context, a eventbus.Alert) {
	at := c.now()
	c.log.Info(a.Message, logx.String("alert", a.Key), logx.Float64("limit", a.Limit))
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeAlert, Time: at, Data: a})
	if c.obs != nil {
		c.obs.ObserveAlert(a)
	}
	if c.recorder != nil {
		if err := c.recorder.AppendAlert(ctx, a, at); err != nil {
			c.log.Warn("store alert failed", logx.String("alert", a.Key), logx.Err(err))
		}
	}
}

// Run executes cycles until ctx is cancelled or Stop is called. A panic in
// a cycle is logged and ends the loop with an error.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	c.log.Info("Starting GreenBox controller", logx.String("cadence", c.config().Cadence.String()))
	for {
		if err := c.safeCycle(runCtx); err != nil {
			c.log.Error("Controller error", logx.Err(err))
			return err
		}
		if !c.wait(runCtx) {
			return nil
		}
	}
}

// wait sleeps until the next cadence tick. Apply restarts the wait with the
// new cadence.
func (c *Controller) wait(ctx context.Context) bool {
	from := c.now()
	for {
		next := c.config().Cadence.Next(from)
		d := next.Sub(c.now())
		if d < 0 {
			d = 0
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-c.wake:
			timer.Stop()
			continue
		case <-timer.C:
			return true
		}
	}
}

func (c *Controller) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in control cycle", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("control cycle panic: %v", r)
		}
	}()
	c.ProcessCycle(ctx)
	return nil
}

// Stop cancels a running loop. It is safe to call at any time.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wasRunning {
		c.log.Info("GreenBox controller stopped")
	}
}
