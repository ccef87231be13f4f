package risk

import (
	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/model"
)

// SignalAnalyzer estimates an anomaly score in [0,1] for one signal
// category. Implementations must be deterministic for identical inputs;
// a real classifier for the category plugs in here.
type SignalAnalyzer interface {
	Analyze(s *behavior.Sample, m *model.BehaviorModel) float64
}

// ZeroAnalyzer is the placeholder analyzer: it never reports an anomaly.
// Used for categories (orientation, scroll) that need a trained
// classifier this service does not ship.
type ZeroAnalyzer struct{}

func (ZeroAnalyzer) Analyze(*behavior.Sample, *model.BehaviorModel) float64 { return 0 }

// AnalyzerFunc adapts a function to the SignalAnalyzer interface.
type AnalyzerFunc func(s *behavior.Sample, m *model.BehaviorModel) float64

func (f AnalyzerFunc) Analyze(s *behavior.Sample, m *model.BehaviorModel) float64 {
	return f(s, m)
}
