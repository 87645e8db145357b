// Package flasher orchestrates one flashing session: obtain the chip's
// current contents, plan the differential erase/write sequence, execute
// it, and verify the result.
package flasher

import (
	"fmt"

	"github.com/bigbag/flashplan/internal/chip"
	"github.com/bigbag/flashplan/internal/executor"
	"github.com/bigbag/flashplan/internal/planner"
)

// VerifyMode selects the post-write verification performed by Write.
type VerifyMode int

const (
	// VerifyNone skips post-write verification.
	VerifyNone VerifyMode = iota
	// VerifyPartial reads back only the ranges the plan touched.
	VerifyPartial
	// VerifyFull reads back and compares the whole chip.
	VerifyFull
)

// EmergencyError wraps a failure that happened after destructive work
// may have started. The chip must be treated as being in an unknown
// state: read it back and compare before acting on it again.
type EmergencyError struct {
	Err error
}

func (e *EmergencyError) Error() string {
	return fmt.Sprintf("%v (chip state unknown, read back and compare before further action)", e.Err)
}

func (e *EmergencyError) Unwrap() error {
	return e.Err
}

// Config holds the session configuration.
type Config struct {
	// DiffMode reads the chip (or trusts BeforeImage) to compute a
	// differential plan; without it the chip is considered erased.
	DiffMode bool

	// BeforeImage, when set in diff mode, is used as the chip's current
	// contents instead of reading them back.
	BeforeImage []byte

	// Paranoid verifies every erase and unerased write by read-back.
	Paranoid bool

	// IgnoreAccessErrors treats access-denied primitive failures as
	// soft no-ops.
	IgnoreAccessErrors bool

	// Probe filters erase functions through a dry-run controller check.
	Probe bool

	Verify   VerifyMode
	Logger   chip.Logger
	Progress executor.ProgressFunc
}

// Option is a functional option for configuring the Flasher.
type Option func(*Config)

// WithoutDiff plans against an assumed-erased chip instead of reading
// its current contents.
func WithoutDiff() Option {
	return func(c *Config) { c.DiffMode = false }
}

// WithBeforeImage supplies the chip's current contents from a buffer,
// skipping the initial chip read.
func WithBeforeImage(img []byte) Option {
	return func(c *Config) { c.BeforeImage = img }
}

// WithParanoid enables read-back verification after erases and
// unerased writes.
func WithParanoid() Option {
	return func(c *Config) { c.Paranoid = true }
}

// WithIgnoreAccessErrors makes access-denied failures soft.
func WithIgnoreAccessErrors() Option {
	return func(c *Config) { c.IgnoreAccessErrors = true }
}

// WithProbe enables the dry-run erase-function filter.
func WithProbe() Option {
	return func(c *Config) { c.Probe = true }
}

// WithVerify sets the post-write verification mode.
func WithVerify(mode VerifyMode) Option {
	return func(c *Config) { c.Verify = mode }
}

// WithLogger sets the session logger.
func WithLogger(l chip.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithProgress sets the execution progress callback.
func WithProgress(fn executor.ProgressFunc) Option {
	return func(c *Config) { c.Progress = fn }
}

// Flasher runs planning, execution and verification against one device.
type Flasher struct {
	dev  chip.Device
	geom *chip.Geometry
	cfg  Config
}

// New creates a Flasher for the given device and descriptor.
func New(dev chip.Device, geom *chip.Geometry, opts ...Option) *Flasher {
	cfg := Config{DiffMode: true, Verify: VerifyPartial, Logger: chip.NopLogger{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{dev: dev, geom: geom, cfg: cfg}
}

// ReadChip reads the whole chip into a fresh buffer.
func (f *Flasher) ReadChip() ([]byte, error) {
	buf := make([]byte, f.geom.TotalSize)
	if err := f.dev.Read(0, buf); err != nil {
		return nil, fmt.Errorf("failed to read chip: %w", err)
	}
	return buf, nil
}

// Plan builds the action descriptor for turning before into after,
// without touching the chip (beyond the optional dry-run probe).
func (f *Flasher) Plan(before, after []byte) (*planner.ActionDescriptor, error) {
	return planner.Prepare(f.dev, f.geom, before, after, planner.Options{
		DiffMode: f.cfg.DiffMode,
		Probe:    f.cfg.Probe,
		Logger:   f.cfg.Logger,
	})
}

// Write transforms the chip contents into the after image: read or
// assume the current contents, plan, execute, then verify per the
// configured mode. Returns the executed descriptor.
func (f *Flasher) Write(after []byte) (*planner.ActionDescriptor, error) {
	log := f.cfg.Logger

	var before []byte
	switch {
	case !f.cfg.DiffMode:
		log.Infof("no diff performed, considering the chip erased")
		before = make([]byte, f.geom.TotalSize)
		for i := range before {
			before[i] = f.geom.ErasedValue
		}
	case f.cfg.BeforeImage != nil:
		log.Debugf("using old contents from supplied image")
		if len(f.cfg.BeforeImage) != f.geom.TotalSize {
			return nil, fmt.Errorf("before image size %d does not match chip size %d",
				len(f.cfg.BeforeImage), f.geom.TotalSize)
		}
		before = append([]byte(nil), f.cfg.BeforeImage...)
	default:
		log.Debugf("reading old contents from flash chip")
		var err error
		before, err = f.ReadChip()
		if err != nil {
			return nil, err
		}
	}

	ad, err := f.Plan(before, after)
	if err != nil {
		return nil, err
	}
	if ad.Empty() {
		log.Infof("chip content already matches, nothing to do")
		return ad, nil
	}

	log.Infof("erasing and writing flash chip")
	if err := executor.Execute(f.dev, f.geom, ad, f.executorOptions()...); err != nil {
		return ad, &EmergencyError{Err: err}
	}

	switch f.cfg.Verify {
	case VerifyPartial:
		err = f.VerifyImage(after, executor.ScopePartial, ad)
	case VerifyFull:
		err = f.VerifyImage(after, executor.ScopeFull, nil)
	}
	if err != nil {
		return ad, err
	}
	return ad, nil
}

// VerifyImage compares chip content against image for the given scope.
func (f *Flasher) VerifyImage(image []byte, scope executor.Scope, ad *planner.ActionDescriptor) error {
	return executor.Verify(f.dev, f.geom, image, scope, ad, f.executorOptions()...)
}

func (f *Flasher) executorOptions() []executor.Option {
	opts := []executor.Option{executor.WithLogger(f.cfg.Logger)}
	if f.cfg.Paranoid {
		opts = append(opts, executor.WithParanoid())
	}
	if f.cfg.IgnoreAccessErrors {
		opts = append(opts, executor.WithIgnoreAccessErrors())
	}
	if f.cfg.Progress != nil {
		opts = append(opts, executor.WithProgress(f.cfg.Progress))
	}
	return opts
}
