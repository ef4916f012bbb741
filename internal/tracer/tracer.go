// Package tracer implements the Algorithm Tracer and Emergence Metrics
// (component L): an append-only, buffered log of planning/execution
// decisions with rolling-window entropy, cluster-stability, trend, and
// phase-transition metrics, plus prioritized-experience-replay sampling.
//
// Grounded on the teacher's metrics Collector (internal/controlplane/
// metrics/metrics.go): a struct wrapping interface-typed stat sources with
// a hand-rolled bucketed histogram, promoted here to real
// prometheus.Collector registrations since client_golang was already a
// teacher dependency the hand-rolled histogram never actually used.
package tracer

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// AlgorithmMode is which of the Vector + Unified Search component's two
// modes produced a decision.
type AlgorithmMode string

const (
	ModeActiveSearch      AlgorithmMode = "active_search"
	ModePassiveSuggestion AlgorithmMode = "passive_suggestion"
)

// TargetType is what a decision was about.
type TargetType string

const (
	TargetTool       TargetType = "tool"
	TargetCapability TargetType = "capability"
)

// Verdict is the outcome of scoring a candidate against the threshold and
// reliability gates.
type Verdict string

const (
	VerdictAccepted              Verdict = "accepted"
	VerdictRejectedByThreshold   Verdict = "rejected_by_threshold"
	VerdictFilteredByReliability Verdict = "filtered_by_reliability"
)

// Signals are the raw graph-derived inputs a decision's score was computed
// from.
type Signals struct {
	GraphDensity         float64
	SpectralClusterMatch float64
}

// Params are the scoring weights in effect when a decision was made.
type Params struct {
	Alpha             float64
	ReliabilityFactor float64
	StructuralBoost   float64
}

// Outcome records what actually happened after a decision was acted on,
// patched in after the fact by UpdateOutcome.
type Outcome struct {
	UserAction       string
	ExecutionSuccess bool
	DurationMs       uint64
}

// Decision is one append-only record in the trace log.
type Decision struct {
	Seq       uint64
	TraceID   string
	Timestamp time.Time

	AlgorithmMode AlgorithmMode
	TargetType    TargetType
	Intent        string
	Signals       Signals
	Params        Params
	FinalScore    float64
	ThresholdUsed float64
	Verdict       Verdict

	// ClusterID is the knowledge graph community this decision's context
	// fell in (from component C's clustering), used for the entropy and
	// stability metrics below. Empty when the decision's context wasn't
	// clustered.
	ClusterID string

	Outcome *Outcome
}

// perAlpha is this component's Open Question decision: PER priority
// exponent, pinned at the spec's suggested default and applied uniformly
// (see DESIGN.md).
const perAlpha = 0.6

// Tracer is an append-only, capacity-bounded decision log with derived
// emergence metrics. Safe for concurrent use.
type Tracer struct {
	log *zap.Logger

	mu       sync.Mutex
	buf      []Decision
	byTrace  map[string]int // traceID -> index into buf, for UpdateOutcome
	capacity int
	nextSeq  uint64
	window   int // rolling window size for entropy/stability/trend

	stageCounter   *prometheus.CounterVec
	entropyGauge   prometheus.Gauge
	stabilityGauge prometheus.Gauge
}

// New creates a Tracer with a bounded ring buffer of `capacity` decisions
// and a rolling metrics window of `window` decisions.
func New(log *zap.Logger, reg prometheus.Registerer, capacity, window int) *Tracer {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 10000
	}
	if window <= 0 {
		window = 200
	}

	t := &Tracer{
		log:      log.Named("tracer"),
		capacity: capacity,
		window:   window,
		byTrace:  make(map[string]int),
		stageCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emergate",
			Subsystem: "tracer",
			Name:      "decisions_total",
			Help:      "Total traced decisions by algorithm mode.",
		}, []string{"algorithm_mode"}),
		entropyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emergate",
			Subsystem: "tracer",
			Name:      "cluster_entropy",
			Help:      "Shannon entropy of cluster ids over the rolling window.",
		}),
		stabilityGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emergate",
			Subsystem: "tracer",
			Name:      "cluster_stability",
			Help:      "Jaccard stability of the dominant cluster set across consecutive half-windows.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.stageCounter, t.entropyGauge, t.stabilityGauge)
	}
	return t
}

// Record appends a decision, evicting the oldest entry if at capacity.
// TraceID and Timestamp are filled in when left zero.
func (t *Tracer) Record(d Decision) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextSeq++
	d.Seq = t.nextSeq
	if d.TraceID == "" {
		d.TraceID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}

	if len(t.buf) >= t.capacity {
		evicted := t.buf[0]
		t.buf = t.buf[1:]
		delete(t.byTrace, evicted.TraceID)
		t.reindexLocked()
	}
	t.buf = append(t.buf, d)
	t.byTrace[d.TraceID] = len(t.buf) - 1

	t.stageCounter.WithLabelValues(string(d.AlgorithmMode)).Inc()
	t.refreshMetricsLocked()
	recordSpan(d)
	return d
}

// recordSpan opens and immediately closes a span for d, so every decision
// shows up in whatever OTLP collector InitTraceProvider was pointed at.
// A no-op provider (the default when InitTraceProvider was never called
// with a non-empty endpoint) makes this free.
func recordSpan(d Decision) {
	_, span := spanTracer().Start(context.Background(), "tracer.decision",
		trace.WithAttributes(
			attribute.String("algorithm_mode", string(d.AlgorithmMode)),
			attribute.String("target_type", string(d.TargetType)),
			attribute.String("verdict", string(d.Verdict)),
			attribute.Float64("final_score", d.FinalScore),
			attribute.String("cluster_id", d.ClusterID),
		),
	)
	span.End(trace.WithTimestamp(d.Timestamp))
}

func (t *Tracer) reindexLocked() {
	for i, d := range t.buf {
		t.byTrace[d.TraceID] = i
	}
}

// UpdateOutcome patches the outcome of an already-recorded decision,
// identified by traceID, in place.
func (t *Tracer) UpdateOutcome(traceID string, outcome Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.byTrace[traceID]
	if !ok {
		return gwerrors.NotFound("trace %q not found", traceID)
	}
	t.buf[idx].Outcome = &outcome
	return nil
}

// Cleanup deletes traces older than days and returns the count removed.
func (t *Tracer) Cleanup(days int) (int, error) {
	if days < 0 {
		return 0, gwerrors.Validation("days must be non-negative")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.buf[:0:0]
	removed := 0
	for _, d := range t.buf {
		if d.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	t.buf = kept
	t.reindexLocked()
	t.refreshMetricsLocked()
	return removed, nil
}

// Recent returns the last n recorded decisions, oldest first.
func (t *Tracer) Recent(n int) []Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.buf) {
		n = len(t.buf)
	}
	out := make([]Decision, n)
	copy(out, t.buf[len(t.buf)-n:])
	return out
}

// Len returns the number of decisions currently buffered.
func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

func (t *Tracer) refreshMetricsLocked() {
	w := t.window
	if w > len(t.buf) {
		w = len(t.buf)
	}
	if w == 0 {
		return
	}
	recent := t.buf[len(t.buf)-w:]
	t.entropyGauge.Set(clusterEntropy(recent))
	t.stabilityGauge.Set(clusterStability(recent))
}

// clusterEntropy computes the Shannon entropy (base 2, in bits) of the
// ClusterID distribution over decisions.
func clusterEntropy(decisions []Decision) float64 {
	counts := make(map[string]int)
	for _, d := range decisions {
		counts[d.ClusterID]++
	}
	n := float64(len(decisions))
	if n == 0 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// clusterStability computes the Jaccard similarity between the set of
// cluster ids present in the first and second half of the window — a
// value near 1 means the same clusters keep recurring (stable regime); a
// value near 0 means the cluster mix is churning (possible phase
// transition, see Trend/PhaseTransition below).
func clusterStability(decisions []Decision) float64 {
	if len(decisions) < 2 {
		return 1.0
	}
	mid := len(decisions) / 2
	first := setOf(decisions[:mid])
	second := setOf(decisions[mid:])
	return jaccard(first, second)
}

func setOf(decisions []Decision) map[string]struct{} {
	s := make(map[string]struct{})
	for _, d := range decisions {
		s[d.ClusterID] = struct{}{}
	}
	return s
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// Trend reports whether the most recent half-window's average priority is
// rising, falling, or flat relative to the prior half-window, by more than
// a 5% relative threshold.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendFlat    Trend = "flat"
)

// Trend computes the FinalScore trend over the rolling window.
func (t *Tracer) Trend() Trend {
	recent := t.Recent(t.window)
	if len(recent) < 2 {
		return TrendFlat
	}
	mid := len(recent) / 2
	prevAvg := avgScore(recent[:mid])
	curAvg := avgScore(recent[mid:])
	if prevAvg == 0 {
		if curAvg == 0 {
			return TrendFlat
		}
		return TrendRising
	}
	delta := (curAvg - prevAvg) / prevAvg
	switch {
	case delta > 0.05:
		return TrendRising
	case delta < -0.05:
		return TrendFalling
	default:
		return TrendFlat
	}
}

func avgScore(decisions []Decision) float64 {
	if len(decisions) == 0 {
		return 0
	}
	var sum float64
	for _, d := range decisions {
		sum += d.FinalScore
	}
	return sum / float64(len(decisions))
}

// PhaseTransition reports true when cluster stability has dropped below
// threshold (default 0.3 when threshold <= 0) — i.e. the dominant cluster
// mix changed substantially within the rolling window.
func (t *Tracer) PhaseTransition(threshold float64) bool {
	if threshold <= 0 {
		threshold = 0.3
	}
	recent := t.Recent(t.window)
	return clusterStability(recent) < threshold
}

// SamplePER draws up to n decisions from the buffer using prioritized
// experience replay: P(trace) proportional to finalScore^alpha, alpha
// fixed at perAlpha. Sampling is without replacement; ties broken by Seq
// so sampling is deterministic given identical scores and an identical
// rng seed sequence supplied by the caller via pick.
func (t *Tracer) SamplePER(n int, pick func(weights []float64) int) []Decision {
	all := t.Recent(t.Len())
	if n <= 0 || len(all) == 0 {
		return nil
	}
	if n > len(all) {
		n = len(all)
	}

	pool := append([]Decision(nil), all...)
	out := make([]Decision, 0, n)
	for len(out) < n && len(pool) > 0 {
		weights := make([]float64, len(pool))
		var total float64
		for i, d := range pool {
			p := d.FinalScore
			if p <= 0 {
				p = 1e-6
			}
			w := math.Pow(p, perAlpha)
			weights[i] = w
			total += w
		}
		idx := 0
		if total > 0 {
			idx = pick(weights)
		}
		if idx < 0 || idx >= len(pool) {
			sort.SliceStable(pool, func(i, j int) bool { return pool[i].FinalScore > pool[j].FinalScore })
			idx = 0
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}
