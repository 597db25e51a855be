package sensor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logx "greenbox/pkg/logx"
)

var ErrRead = errors.New("sensor read failed")

// Kind identifies what a sensor measures.
type Kind string

const (
	Temperature Kind = "temperature"
	Humidity    Kind = "humidity"
	Moisture    Kind = "moisture"
	Light       Kind = "light"
)

// Unit returns the display unit for the kind.
func (k Kind) Unit() string {
	switch k {
	case Temperature:
		return "°C"
	case Humidity, Moisture:
		return "%"
	case Light:
		return "lux"
	default:
		return ""
	}
}

// Reading is one sampled value.
type Reading struct {
	Kind  Kind      `json:"kind"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

func (r Reading) String() string { return fmt.Sprintf("%.1f%s", r.Value, r.Kind.Unit()) }

// Sensor is the capability the controller depends on.
type Sensor interface {
	Kind() Kind
	Read(ctx context.Context) (Reading, error)
}

// Simulated produces baseline ± spread readings. It stands in for the real
// hardware driver and is safe for concurrent use.
type Simulated struct {
	kind     Kind
	pin      int
	baseline float64
	spread   float64
	log      logx.Logger

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// baselines mirror the development defaults of the device.
var baselines = map[Kind][2]float64{
	Temperature: {20, 2},
	Humidity:    {60, 5},
	Moisture:    {50, 10},
	Light:       {500, 100},
}

// NewSimulated returns a simulated sensor of the given kind. seed 0 picks a
// time-based seed.
func NewSimulated(kind Kind, pin int, seed int64, log logx.Logger) (*Simulated, error) {
	b, ok := baselines[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sensor kind %q", kind)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Debug("initializing sensor", logx.String("kind", string(kind)), logx.Int("pin", pin))
	return &Simulated{
		kind:     kind,
		pin:      pin,
		baseline: b[0],
		spread:   b[1],
		log:      log,
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
	}, nil
}

func (s *Simulated) Kind() Kind { return s.kind }

func (s *Simulated) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, fmt.Errorf("%w: %s: %v", ErrRead, s.kind, err)
	}
	s.mu.Lock()
	v := s.baseline + (s.rng.Float64()*2-1)*s.spread
	s.mu.Unlock()

	r := Reading{Kind: s.kind, Value: v, At: s.now()}
	s.log.Debug(string(s.kind)+" reading", logx.Float64("value", v), logx.String("unit", s.kind.Unit()))
	return r, nil
}

// Static always returns the same value, or Err when set. Useful for tests
// and for pinning a channel during bench work.
type Static struct {
	SensorKind Kind
	Value      float64
	Err        error
}

func (s Static) Kind() Kind { return s.SensorKind }

func (s Static) Read(context.Context) (Reading, error) {
	if s.Err != nil {
		return Reading{}, fmt.Errorf("%w: %s: %v", ErrRead, s.SensorKind, s.Err)
	}
	return Reading{Kind: s.SensorKind, Value: s.Value, At: time.Now()}, nil
}
