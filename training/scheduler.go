package training

import (
	"fmt"
	"math"
)

// LRScheduler maps a training step to a learning rate. Implementations
// other than ReduceLROnPlateauScheduler are pure functions of the step.
type LRScheduler interface {
	LearningRate(step int, baseLR float64) float64
	Name() string
}

// MetricObserver is implemented by schedulers that react to validation
// accuracy.
type MetricObserver interface {
	Observe(metric float64)
}

// ConstantScheduler keeps the base learning rate
type ConstantScheduler struct{}

func (s ConstantScheduler) LearningRate(step int, baseLR float64) float64 {
	return baseLR
}

func (s ConstantScheduler) Name() string {
	return "ConstantLR"
}

// StepLRScheduler multiplies the learning rate by Gamma every StepSize steps
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 1000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) LearningRate(step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step/s.StepSize))
}

func (s *StepLRScheduler) Name() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate by Gamma every step
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.999
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) LearningRate(step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(step))
}

func (s *ExponentialLRScheduler) Name() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax steps
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 4000
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) LearningRate(step int, baseLR float64) float64 {
	if step >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Name() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler multiplies the learning rate by Factor after
// Patience validation results without improvement. Higher metrics are better.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64

	best        float64
	bad         int
	scale       float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		scale:     1,
	}
}

// Observe records one validation result
func (s *ReduceLROnPlateauScheduler) Observe(metric float64) {
	if !s.initialized {
		s.best = metric
		s.initialized = true
		return
	}
	if metric > s.best+s.Threshold {
		s.best = metric
		s.bad = 0
		return
	}
	s.bad++
	if s.bad >= s.Patience {
		s.scale *= s.Factor
		s.bad = 0
	}
}

func (s *ReduceLROnPlateauScheduler) LearningRate(step int, baseLR float64) float64 {
	return baseLR * s.scale
}

func (s *ReduceLROnPlateauScheduler) Name() string {
	return "ReduceLROnPlateau"
}

// ParseScheduler builds a scheduler by name with defaults scaled to the
// number of training steps.
func ParseScheduler(name string, steps int) (LRScheduler, error) {
	switch name {
	case "", "constant":
		return ConstantScheduler{}, nil
	case "step":
		return NewStepLRScheduler(max(steps/4, 1), 0.5), nil
	case "exponential":
		return NewExponentialLRScheduler(0.999), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(steps, 0), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(0.5, 5, 1e-4), nil
	default:
		return nil, fmt.Errorf("unknown learning rate schedule %q", name)
	}
}
