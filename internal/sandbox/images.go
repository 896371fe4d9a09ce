package sandbox

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"bug-ghost-sandbox/internal/monitor"
	"bug-ghost-sandbox/internal/runtime"
)

//go:embed dockerfiles/*.Dockerfile
var dockerfiles embed.FS

// DefaultBuildLanguages is the set built when a build request names none.
var DefaultBuildLanguages = []string{"python", "javascript", "java"}

const defaultBuildLogLines = 20

// buildTimeout bounds one shared image build.
const buildTimeout = 15 * time.Minute

// Dockerfile returns the embedded build descriptor for a build target.
func Dockerfile(target string) ([]byte, error) {
	data, err := dockerfiles.ReadFile("dockerfiles/" + target + ".Dockerfile")
	if err != nil {
		return nil, fmt.Errorf("%w: no build descriptor for %q", ErrUnsupportedLang, target)
	}
	return data, nil
}

// BuildReport is the outcome of building one image.
type BuildReport struct {
	Language string   `json:"language"`
	Built    bool     `json:"built"`
	Image    string   `json:"image,omitempty"`
	Logs     []string `json:"logs"`
	Error    string   `json:"error,omitempty"`
}

// Provisioner reports on and builds the per-target sandbox images.
type Provisioner struct {
	store     ImageStore
	registry  *runtime.Registry
	autoBuild bool
	logLines  int
	metrics   *monitor.Metrics
	group     singleflight.Group
}

type ProvisionerOption func(*Provisioner)

// WithAutoBuild makes Ensure build a missing image instead of failing.
func WithAutoBuild(enabled bool) ProvisionerOption {
	return func(p *Provisioner) { p.autoBuild = enabled }
}

// WithBuildLogLines sets how many trailing build log lines a report keeps.
func WithBuildLogLines(n int) ProvisionerOption {
	return func(p *Provisioner) {
		if n > 0 {
			p.logLines = n
		}
	}
}

func WithProvisionerMetrics(m *monitor.Metrics) ProvisionerOption {
	return func(p *Provisioner) { p.metrics = m }
}

func NewProvisioner(store ImageStore, registry *runtime.Registry, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		store:    store,
		registry: registry,
		logLines: defaultBuildLogLines,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status reports, per image tag, whether the image is present. Lookup
// errors count as absent.
func (p *Provisioner) Status(ctx context.Context) map[string]bool {
	status := make(map[string]bool)
	for _, image := range p.registry.Images() {
		ok, err := p.store.ImagePresent(ctx, image)
		if err != nil {
			log.Warn().Err(err).Str("image", image).Msg("image lookup failed")
			ok = false
		}
		status[image] = ok
	}
	return status
}

// Build builds the images for the given language labels, or for
// DefaultBuildLanguages when none are given. Labels that share a build
// target are built once. One failure does not stop the others.
func (p *Provisioner) Build(ctx context.Context, languages []string) map[string]BuildReport {
	if len(languages) == 0 {
		languages = DefaultBuildLanguages
	}

	reports := make(map[string]BuildReport)
	seen := make(map[string]bool)
	for _, raw := range languages {
		label := strings.ToLower(strings.TrimSpace(raw))
		target, ok := p.registry.Target(label)
		if !ok {
			reports[label] = BuildReport{
				Language: label,
				Logs:     []string{},
				Error:    ErrUnsupportedLang.Error(),
			}
			continue
		}
		if seen[target] {
			continue
		}
		seen[target] = true
		reports[target] = p.buildTarget(ctx, target)
	}
	return reports
}

// Ensure makes sure the profile's image exists, building it when auto-build
// is enabled.
func (p *Provisioner) Ensure(ctx context.Context, profile runtime.Profile) error {
	present, err := p.store.ImagePresent(ctx, profile.Image)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	if !p.autoBuild {
		return fmt.Errorf("%w: %s", ErrImageMissing, profile.Image)
	}

	log.Info().Str("image", profile.Image).Msg("image missing, building")
	report := p.buildTarget(ctx, profile.Target)
	if err := ctx.Err(); err != nil {
		return err
	}
	if !report.Built {
		return fmt.Errorf("%w: %s: build failed: %s", ErrImageMissing, profile.Image, report.Error)
	}
	return nil
}

// buildTarget collapses concurrent builds of the same target into one. The
// shared build is detached from the caller that started it; each caller
// stops waiting when its own ctx is done.
func (p *Provisioner) buildTarget(ctx context.Context, target string) BuildReport {
	ch := p.group.DoChan(target, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		return p.build(buildCtx, target), nil
	})

	select {
	case res := <-ch:
		return res.Val.(BuildReport)
	case <-ctx.Done():
		return BuildReport{
			Language: target,
			Image:    p.registry.ImageFor(target),
			Logs:     []string{},
			Error:    ctx.Err().Error(),
		}
	}
}

func (p *Provisioner) build(ctx context.Context, target string) BuildReport {
	image := p.registry.ImageFor(target)
	report := BuildReport{Language: target, Image: image}
	logger := log.With().Str("target", target).Str("image", image).Logger()

	dockerfile, err := Dockerfile(target)
	if err != nil {
		report.Logs = []string{}
		report.Error = err.Error()
		return report
	}

	logger.Info().Msg("building sandbox image")
	start := time.Now()
	tail := newLineTail(p.logLines)
	err = p.store.BuildImage(ctx, image, dockerfile, tail.add)
	p.metrics.RecordImageBuild(target, err == nil, time.Since(start).Seconds())

	report.Logs = tail.lines()
	if err != nil {
		if errors.Is(err, ErrBuildUnsupported) {
			logger.Warn().Err(err).Msg("engine cannot build images")
		} else {
			logger.Error().Err(err).Msg("image build failed")
		}
		report.Error = err.Error()
		report.Logs = append(report.Logs, "ERROR: "+err.Error())
		return report
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("sandbox image built")
	report.Built = true
	return report
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	max int
	buf []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{max: n}
}

func (t *lineTail) add(line string) {
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *lineTail) lines() []string {
	return append([]string{}, t.buf...)
}
