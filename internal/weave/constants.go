package weave

// Tuning constants for the tension-drift-resolution loop.
const (
	// DefaultThreshold bounds both whether drift is attempted and whether a
	// drifted candidate is committed.
	DefaultThreshold = 2.0

	// DefaultSpread is the half-width of the uniform drift window.
	DefaultSpread = 0.5

	// StepGain is the fraction of the remaining distance to the goal covered
	// by one movement action.
	StepGain = 0.1

	// SafetyRiskThreshold is the safety reading above which an agent is halted.
	SafetyRiskThreshold = 0.1

	// AdaptiveSpreadFactor scales the mean recent tension into a drift spread.
	AdaptiveSpreadFactor = 0.1

	// HistoryLimit is how many recent tension values an agent retains.
	HistoryLimit = 64
)

// Well-known belief keys.
const (
	KeyExpectedLight = "expected_light"
	KeySafetyMetric  = "safety_metric"
	KeyPosition      = "position"
)
