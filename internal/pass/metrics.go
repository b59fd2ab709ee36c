package pass

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-clinical/formrules/internal/domain"
)

const (
	stageDerive     = "derive"
	stageVisibility = "visibility"
	stageDisable    = "disable"
	stageTotal      = "total"
)

var (
	// passDuration measures each stage of a pass.
	// Labels: stage (derive, visibility, disable, total)
	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "formrules",
		Subsystem: "pass",
		Name:      "duration_seconds",
		Help:      "Rule pass stage latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"stage"})

	// ruleOutcomes counts recorded rule outcomes.
	// Labels: family, outcome (true, false for checks; derived, none for derivations)
	ruleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "formrules",
		Subsystem: "rule",
		Name:      "outcomes_total",
		Help:      "Rule outcomes recorded by family",
	}, []string{"family", "outcome"})

	// fieldsCleared counts values wiped on hide or disable.
	// Labels: family
	fieldsCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "formrules",
		Subsystem: "fields",
		Name:      "cleared_total",
		Help:      "Field values cleared by visibility and disable checks",
	}, []string{"family"})
)

// observe records the stage latency and returns it in milliseconds.
func observe(stage string, start time.Time) int64 {
	d := time.Since(start)
	passDuration.WithLabelValues(stage).Observe(d.Seconds())
	return d.Milliseconds()
}

func recordDerivations(results *domain.DerivationResults) {
	var derived, none int
	for _, id := range results.Fields() {
		for _, v := range results.Outcomes(id) {
			if v.Truthy() {
				derived++
			} else {
				none++
			}
		}
	}
	family := string(domain.FamilyDerivation)
	ruleOutcomes.WithLabelValues(family, "derived").Add(float64(derived))
	ruleOutcomes.WithLabelValues(family, "none").Add(float64(none))
}

func recordChecks(family domain.Family, results *domain.CheckResults) {
	var hits, misses int
	for _, id := range results.Fields() {
		for _, ok := range results.Outcomes(id) {
			if ok {
				hits++
			} else {
				misses++
			}
		}
	}
	ruleOutcomes.WithLabelValues(string(family), "true").Add(float64(hits))
	ruleOutcomes.WithLabelValues(string(family), "false").Add(float64(misses))
}
