package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDomainSize = 40.0
	DefaultMaxLevel   = 10
	DefaultMinLevel   = 4
	DefaultInitLevel  = 8
	DefaultWe         = 1e2
	DefaultRe         = 1e3
	DefaultMuR        = 2e-2
	DefaultRhoR       = 1e-3
	DefaultWi         = 1.0
	DefaultEl         = 1e-2
	DefaultTMax       = 1e2
	DefaultTSnap      = 1e-2
	DefaultEpsilon    = 8e-2

	DefaultFErr   = 1e-3
	DefaultVelErr = 1e-2
	DefaultKErr   = 1e-4
	DefaultAErr   = 1e-3

	DefaultNegativeTolerance = 1e-10
	DefaultWarmupSteps       = 10
	DefaultEnergyCeiling     = 1e2
	DefaultEnergyFloor       = 1e-8
)

var ErrInvalid = errors.New("config: invalid parameter")

// Params is the immutable regime and run-control record. It is populated once
// by Load or Default and handed to the rest of the program by value.
type Params struct {
	DomainSize float64 `yaml:"domain_size"`
	MaxLevel   int     `yaml:"max_level"`
	MinLevel   int     `yaml:"min_level"`
	InitLevel  int     `yaml:"init_level"`

	We   float64 `yaml:"we"`
	Re   float64 `yaml:"re"`
	MuR  float64 `yaml:"mu_r"`
	RhoR float64 `yaml:"rho_r"`
	Wi   float64 `yaml:"wi"`
	El   float64 `yaml:"el"`
	// Secondary phase elasticity. Zero keeps the surrounding phase Newtonian.
	Wi2 float64 `yaml:"wi2"`
	El2 float64 `yaml:"el2"`

	// Interface thickness of the inlet profile and the initial jet.
	Epsilon float64 `yaml:"epsilon"`

	TMax  float64 `yaml:"tmax"`
	TSnap float64 `yaml:"tsnap"`

	Tolerances Tolerances   `yaml:"tolerances"`
	Limits     Termination  `yaml:"termination"`
	Output     Output       `yaml:"output"`
	Engine     EngineConfig `yaml:"engine"`

	Workers int `yaml:"workers"`
}

type Tolerances struct {
	F   float64 `yaml:"f"`
	Vel float64 `yaml:"vel"`
	K   float64 `yaml:"kappa"`
	A   float64 `yaml:"conformation"`
}

type Termination struct {
	NegativeTolerance float64 `yaml:"negative_tolerance"`
	WarmupSteps       int     `yaml:"warmup_steps"`
	EnergyCeiling     float64 `yaml:"energy_ceiling"`
	EnergyFloor       float64 `yaml:"energy_floor"`
}

type Output struct {
	Dir         string `yaml:"dir"`
	RestartFile string `yaml:"restart_file"`
	SnapshotDir string `yaml:"snapshot_dir"`
	LogFile     string `yaml:"log_file"`
}

// EngineConfig tunes the reference engine's step-size selection.
type EngineConfig struct {
	CFL   float64 `yaml:"cfl"`
	MaxDt float64 `yaml:"max_dt"`
}

func Default() Params {
	return Params{
		DomainSize: DefaultDomainSize,
		MaxLevel:   DefaultMaxLevel,
		MinLevel:   DefaultMinLevel,
		InitLevel:  DefaultInitLevel,
		We:         DefaultWe,
		Re:         DefaultRe,
		MuR:        DefaultMuR,
		RhoR:       DefaultRhoR,
		Wi:         DefaultWi,
		El:         DefaultEl,
		Epsilon:    DefaultEpsilon,
		TMax:       DefaultTMax,
		TSnap:      DefaultTSnap,
		Tolerances: Tolerances{
			F:   DefaultFErr,
			Vel: DefaultVelErr,
			K:   DefaultKErr,
			A:   DefaultAErr,
		},
		Limits: Termination{
			NegativeTolerance: DefaultNegativeTolerance,
			WarmupSteps:       DefaultWarmupSteps,
			EnergyCeiling:     DefaultEnergyCeiling,
			EnergyFloor:       DefaultEnergyFloor,
		},
		Output: Output{
			Dir:         ".",
			RestartFile: "restart",
			SnapshotDir: "intermediate",
			LogFile:     "log-jetOnPool_ViscoElastic.dat",
		},
		Engine: EngineConfig{
			CFL:   0.5,
			MaxDt: 1e-2,
		},
		Workers: 1,
	}
}

// Load reads a yaml file layered over Default. The result is validated.
func Load(path string) (Params, error) {
	return LoadOver(path, Default())
}

// LoadOver reads a yaml file layered over base, so keys absent from the file
// keep the values of base. The result is validated.
func LoadOver(path string, base Params) (Params, error) {
	p := base
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func Save(path string, p Params) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalid, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// Validate checks type and range sanity only: dimensionless numbers must be
// strictly positive except the secondary-phase elasticity, which may be zero.
func (p Params) Validate() error {
	var problems []string
	positive := func(name string, v float64) {
		if !(v > 0) {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %g", name, v))
		}
	}
	nonNegative := func(name string, v float64) {
		if !(v >= 0) {
			problems = append(problems, fmt.Sprintf("%s must be non-negative, got %g", name, v))
		}
	}

	positive("domain_size", p.DomainSize)
	positive("we", p.We)
	positive("re", p.Re)
	positive("mu_r", p.MuR)
	positive("rho_r", p.RhoR)
	positive("wi", p.Wi)
	positive("el", p.El)
	nonNegative("wi2", p.Wi2)
	nonNegative("el2", p.El2)
	positive("epsilon", p.Epsilon)
	positive("tmax", p.TMax)
	positive("tsnap", p.TSnap)

	positive("tolerances.f", p.Tolerances.F)
	positive("tolerances.vel", p.Tolerances.Vel)
	positive("tolerances.kappa", p.Tolerances.K)
	positive("tolerances.conformation", p.Tolerances.A)

	positive("termination.negative_tolerance", p.Limits.NegativeTolerance)
	positive("termination.energy_ceiling", p.Limits.EnergyCeiling)
	positive("termination.energy_floor", p.Limits.EnergyFloor)
	if p.Limits.WarmupSteps < 0 {
		problems = append(problems, fmt.Sprintf("termination.warmup_steps must be non-negative, got %d", p.Limits.WarmupSteps))
	}
	if p.Limits.EnergyFloor >= p.Limits.EnergyCeiling {
		problems = append(problems, "termination.energy_floor must be below energy_ceiling")
	}

	positive("engine.cfl", p.Engine.CFL)
	positive("engine.max_dt", p.Engine.MaxDt)

	if p.MinLevel < 1 {
		problems = append(problems, fmt.Sprintf("min_level must be at least 1, got %d", p.MinLevel))
	}
	if p.MaxLevel < p.MinLevel {
		problems = append(problems, fmt.Sprintf("max_level %d below min_level %d", p.MaxLevel, p.MinLevel))
	}
	if p.InitLevel < p.MinLevel || p.InitLevel > p.MaxLevel {
		problems = append(problems, fmt.Sprintf("init_level %d outside [%d, %d]", p.InitLevel, p.MinLevel, p.MaxLevel))
	}
	if p.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers must be at least 1, got %d", p.Workers))
	}
	if p.Output.RestartFile == "" || p.Output.LogFile == "" || p.Output.SnapshotDir == "" {
		problems = append(problems, "output paths must not be empty")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Coefficients are the engine-level material constants derived from the
// dimensionless regime.
type Coefficients struct {
	Rho1, Rho2       float64
	Mu1, Mu2         float64
	Lambda1, Lambda2 float64
	G1, G2           float64
	Sigma            float64
}

func (p Params) Derive() Coefficients {
	return Coefficients{
		Rho1:    1,
		Rho2:    p.RhoR,
		Mu1:     1 / p.Re,
		Mu2:     p.MuR / p.Re,
		Lambda1: p.Wi,
		Lambda2: p.Wi2,
		G1:      p.El,
		G2:      p.El2,
		Sigma:   1 / p.We,
	}
}

// Density blends the phase densities by volume fraction, clamping f to [0,1].
func (c Coefficients) Density(f float64) float64 {
	f = clamp01(f)
	return f*c.Rho1 + (1-f)*c.Rho2
}

// Viscosity blends the phase viscosities by volume fraction.
func (c Coefficients) Viscosity(f float64) float64 {
	f = clamp01(f)
	return f*c.Mu1 + (1-f)*c.Mu2
}

// Header is the run banner used by the log file and the end-of-run report.
func (p Params) Header() string {
	return fmt.Sprintf("Level %d, We %2.1e, Re %2.1e, MuR %2.1e, Wi %2.1e, El %2.1e",
		p.MaxLevel, p.We, p.Re, p.MuR, p.Wi, p.El)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
