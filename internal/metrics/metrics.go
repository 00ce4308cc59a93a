// Package metrics exposes Prometheus collectors for gate occupancy, todo
// execution and context optimization.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/andywolf/taskflow/internal/correction"
	"github.com/andywolf/taskflow/internal/sri"
	"github.com/andywolf/taskflow/internal/todo"
)

const namespace = "taskflow"

// Metrics implements the recorder hooks of the gate, the engine and the
// context optimizer. A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	tasksActive    prometheus.Gauge
	tasksQueued    prometheus.Gauge
	taskDuration   *prometheus.HistogramVec
	forced         *prometheus.CounterVec
	todoDuration   *prometheus.HistogramVec
	todoRetries    *prometheus.CounterVec
	runs           *prometheus.CounterVec
	runLoops       prometheus.Histogram
	tokensSaved    prometheus.Counter
	reduction      prometheus.Histogram
	memoriesInject prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns metrics registered once with the global registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// register adds c to reg, reusing an identical collector that is already
// registered. Other registration errors panic.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// MustNew builds and registers the collectors on reg. A nil reg uses the
// default registerer.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		tasksActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gate", Name: "tasks_active",
			Help: "Tasks currently holding an active slot.",
		})),
		tasksQueued: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gate", Name: "tasks_queued",
			Help: "Tasks waiting for a slot.",
		})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gate", Name: "task_duration_seconds",
			Help:    "Time from admission to release of a slot.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"status"})),
		forced: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "forced_completions_total",
			Help: "Tasks terminated by timeout, error loop or interrupt.",
		}, []string{"reason"})),
		todoDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "todo_duration_seconds",
			Help:    "Executor call duration per todo.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "success"})),
		todoRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "todo_retries_total",
			Help: "Todos reset for another attempt, by error category.",
		}, []string{"category"})),
		runs: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "runs_total",
			Help: "Finished engine runs by outcome.",
		}, []string{"outcome"})),
		runLoops: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "run_loops",
			Help:    "Cycles used per engine run.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		})),
		tokensSaved: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sri", Name: "tokens_saved_total",
			Help: "Estimated tokens removed from executor context.",
		})),
		reduction: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sri", Name: "reduction_percent",
			Help:    "Context reduction per optimization.",
			Buckets: prometheus.LinearBuckets(-50, 10, 16),
		})),
		memoriesInject: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sri", Name: "memories_injected_total",
			Help: "Memory summaries injected into executor context.",
		})),
	}
}

// SetActive implements gate.Recorder.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.tasksActive.Set(float64(n))
}

// SetQueued implements gate.Recorder.
func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.tasksQueued.Set(float64(n))
}

// TaskFinished implements gate.Recorder.
func (m *Metrics) TaskFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ForcedCompletion implements gate.Recorder.
func (m *Metrics) ForcedCompletion(reason string) {
	if m == nil {
		return
	}
	m.forced.WithLabelValues(reason).Inc()
}

// TodoFinished implements engine.Recorder.
func (m *Metrics) TodoFinished(kind todo.Kind, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.todoDuration.WithLabelValues(string(kind), strconv.FormatBool(success)).Observe(d.Seconds())
}

// TodoRetried implements engine.Recorder.
func (m *Metrics) TodoRetried(category correction.Category) {
	if m == nil {
		return
	}
	m.todoRetries.WithLabelValues(string(category)).Inc()
}

// RunFinished implements engine.Recorder.
func (m *Metrics) RunFinished(outcome string, loops int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runLoops.Observe(float64(loops))
}

// RecordOptimization implements sri.Recorder.
func (m *Metrics) RecordOptimization(r sri.Result) {
	if m == nil {
		return
	}
	if saved := r.OriginalTokens - r.OptimizedTokens; saved > 0 {
		m.tokensSaved.Add(float64(saved))
	}
	m.reduction.Observe(float64(r.ReductionPercentage))
	m.memoriesInject.Add(float64(len(r.Injected)))
}

// RegisterMemoryGauge exposes the size of an episodic store.
func RegisterMemoryGauge(reg prometheus.Registerer, count func() int) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "sri", Name: "memories",
		Help: "Memories held by the episodic store.",
	}, func() float64 { return float64(count()) }))
}

// Serve exposes g on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
