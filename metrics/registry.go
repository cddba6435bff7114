package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

// Options configures a Registry.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Definitions are declared in addition to DefaultDefinitions.
	Definitions []Definition
}

// Registry holds metric definitions and their label-keyed series, and renders them in the
// Prometheus text exposition format. It also backs an OpenTelemetry MeterProvider so that
// instrumentation libraries publish into the same scrape output.
type Registry struct {
	mu       sync.RWMutex
	reg      *prometheus.Registry
	defs     map[string]Definition
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec

	meterProvider *sdkmetric.MeterProvider
	format        expfmt.Format
	ready         atomic.Bool
}

// New creates a registry with Go runtime and process collectors, the OpenTelemetry bridge and
// the default metric definitions.
func New(opts Options) (*Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	mp, err := newMeterProvider(reg, opts)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		reg:           reg,
		defs:          make(map[string]Definition),
		counters:      make(map[string]*prometheus.CounterVec),
		gauges:        make(map[string]*prometheus.GaugeVec),
		meterProvider: mp,
		format:        expfmt.NewFormat(expfmt.TypeTextPlain),
	}

	defs := append(DefaultDefinitions(), opts.Definitions...)
	for _, def := range defs {
		if err := r.register(def); err != nil {
			_ = mp.Shutdown(context.Background())
			return nil, err
		}
	}

	r.ready.Store(true)
	return r, nil
}

func newMeterProvider(reg *prometheus.Registry, opts Options) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithoutUnits(),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutCounterSuffixes(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	attrs := []resource.Option{}
	if opts.ServiceName != "" {
		attrs = append(attrs, resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		))
	}
	res, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	), nil
}

// IsInitialized reports whether the registry can record and be scraped. Safe on a nil receiver.
func (r *Registry) IsInitialized() bool {
	return r != nil && r.ready.Load()
}

// Register declares a metric. Each name may be declared once.
func (r *Registry) Register(def Definition) error {
	if !r.IsInitialized() {
		return ErrRegistryUninitialized
	}
	return r.register(def)
}

func (r *Registry) register(def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
	}

	var (
		collector prometheus.Collector
		cv        *prometheus.CounterVec
		gv        *prometheus.GaugeVec
	)
	switch def.Kind {
	case KindCounter:
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: def.Name, Help: def.Help}, def.Labels)
		collector = cv
	case KindGauge:
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: def.Name, Help: def.Help}, def.Labels)
		collector = gv
	default:
		return fmt.Errorf("metric %s: %w: %s", def.Name, ErrKindMismatch, def.Kind)
	}

	if err := r.reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
		}
		return fmt.Errorf("failed to register metric %s: %w", def.Name, err)
	}

	if cv != nil {
		r.counters[def.Name] = cv
	} else {
		r.gauges[def.Name] = gv
	}
	r.defs[def.Name] = def
	return nil
}

// RegisterCollector adds an externally defined collector, such as connection pool statistics.
func (r *Registry) RegisterCollector(c prometheus.Collector) error {
	if !r.IsInitialized() {
		return ErrRegistryUninitialized
	}
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("failed to register collector: %w", err)
	}
	return nil
}

// Increment adds one to the counter series identified by labels.
func (r *Registry) Increment(name string, labels map[string]string) error {
	return r.Add(name, 1, labels)
}

// Add adds delta to a counter or gauge series. Counters reject negative deltas.
func (r *Registry) Add(name string, delta float64, labels map[string]string) error {
	if !r.IsInitialized() {
		return ErrRegistryUninitialized
	}

	r.mu.RLock()
	cv, isCounter := r.counters[name]
	gv, isGauge := r.gauges[name]
	r.mu.RUnlock()

	switch {
	case isCounter:
		if delta < 0 {
			return fmt.Errorf("%w: %s", ErrNegativeDelta, name)
		}
		c, err := cv.GetMetricWith(labels)
		if err != nil {
			return labelMismatch(name, err)
		}
		c.Add(delta)
	case isGauge:
		g, err := gv.GetMetricWith(labels)
		if err != nil {
			return labelMismatch(name, err)
		}
		g.Add(delta)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	return nil
}

// Set assigns value to a gauge series.
func (r *Registry) Set(name string, value float64, labels map[string]string) error {
	if !r.IsInitialized() {
		return ErrRegistryUninitialized
	}

	r.mu.RLock()
	gv, isGauge := r.gauges[name]
	_, isCounter := r.counters[name]
	r.mu.RUnlock()

	if isCounter {
		return fmt.Errorf("%w: set on counter %s", ErrKindMismatch, name)
	}
	if !isGauge {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	}
	g, err := gv.GetMetricWith(labels)
	if err != nil {
		return labelMismatch(name, err)
	}
	g.Set(value)
	return nil
}

func labelMismatch(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLabelMismatch, name, err)
}

// Definition returns the declared definition for name.
func (r *Registry) Definition(name string) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Scrape renders every series, including runtime and process metrics, in the text exposition format.
func (r *Registry) Scrape() ([]byte, error) {
	if !r.IsInitialized() {
		return nil, ErrRegistryUninitialized
	}

	families, err := r.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, r.format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode metric family %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// ContentType is the media type of Scrape output.
func (r *Registry) ContentType() string {
	if r == nil || r.format == "" {
		return string(expfmt.NewFormat(expfmt.TypeTextPlain))
	}
	return string(r.format)
}

// MeterProvider exposes the OpenTelemetry bridge. Instruments created from it appear in Scrape.
func (r *Registry) MeterProvider() metric.MeterProvider {
	if r == nil || r.meterProvider == nil {
		return nil
	}
	return r.meterProvider
}

// Gatherer exposes the underlying Prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.reg
}

// Close shuts down the OpenTelemetry bridge. Later recordings and scrapes fail with
// ErrRegistryUninitialized. Close is idempotent.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || !r.ready.CompareAndSwap(true, false) {
		return nil
	}
	if err := r.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
