package runtime

import (
	"sort"
	"strings"
)

// Language is one of the closed set of languages the sandbox can execute.
type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Java       Language = "java"

	// Default is used for any label that does not name a supported language.
	Default = Python
)

// Build targets. Several languages can share one image.
const (
	TargetPython = "python"
	TargetNode   = "node"
	TargetJava   = "java"
)

// DefaultImagePrefix names the locally built sandbox images.
const DefaultImagePrefix = "bug-ghost-sandbox"

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Language returns the canonical language this runtime executes.
	Language() Language

	// Aliases returns additional labels that resolve to this runtime.
	Aliases() []string

	// Target returns the build target whose image hosts this runtime.
	Target() string

	// Filename is the fixed name the source is written to inside the workspace.
	Filename() string

	// Command returns the fixed command that runs Filename from the workspace.
	// It never depends on the submitted source.
	Command() []string
}

// Profile is everything the orchestrator needs to run one language.
type Profile struct {
	Language Language `json:"language"`
	Target   string   `json:"target"`
	Image    string   `json:"image"`
	Command  []string `json:"command"`
	Filename string   `json:"filename"`
}

// Registry maps language labels to their Runtime implementations.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	imagePrefix string
	byLabel     map[string]Runtime
	runtimes    []Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry(imagePrefix string) *Registry {
	if imagePrefix == "" {
		imagePrefix = DefaultImagePrefix
	}
	r := &Registry{
		imagePrefix: imagePrefix,
		byLabel:     make(map[string]Runtime),
	}
	r.Register(&PythonRuntime{})
	r.Register(&JavaScriptRuntime{})
	r.Register(&TypeScriptRuntime{})
	r.Register(&JavaRuntime{})
	return r
}

// Register adds a runtime under its language name and aliases.
func (r *Registry) Register(rt Runtime) {
	r.runtimes = append(r.runtimes, rt)
	r.byLabel[string(rt.Language())] = rt
	for _, alias := range rt.Aliases() {
		r.byLabel[alias] = rt
	}
}

// Lookup returns the profile for label, or false when the label is not supported.
func (r *Registry) Lookup(label string) (Profile, bool) {
	rt, ok := r.byLabel[normalize(label)]
	if !ok {
		return Profile{}, false
	}
	return r.profile(rt), true
}

// Resolve returns the profile for label. Unknown, empty or malformed labels
// resolve to the Default language so callers always get a runnable profile.
func (r *Registry) Resolve(label string) Profile {
	if p, ok := r.Lookup(label); ok {
		return p
	}
	return r.profile(r.byLabel[string(Default)])
}

// Target normalizes label to its build target.
func (r *Registry) Target(label string) (string, bool) {
	rt, ok := r.byLabel[normalize(label)]
	if !ok {
		return "", false
	}
	return rt.Target(), true
}

// Targets returns every build target, sorted.
func (r *Registry) Targets() []string {
	seen := make(map[string]struct{})
	var targets []string
	for _, rt := range r.runtimes {
		if _, ok := seen[rt.Target()]; ok {
			continue
		}
		seen[rt.Target()] = struct{}{}
		targets = append(targets, rt.Target())
	}
	sort.Strings(targets)
	return targets
}

// ImageFor returns the image reference built for target.
func (r *Registry) ImageFor(target string) string {
	return r.imagePrefix + "-" + target + ":latest"
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	targets := r.Targets()
	images := make([]string, 0, len(targets))
	for _, t := range targets {
		images = append(images, r.ImageFor(t))
	}
	return images
}

// Languages returns all registered language names.
func (r *Registry) Languages() []Language {
	langs := make([]Language, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		langs = append(langs, rt.Language())
	}
	return langs
}

func (r *Registry) profile(rt Runtime) Profile {
	cmd := rt.Command()
	return Profile{
		Language: rt.Language(),
		Target:   rt.Target(),
		Image:    r.ImageFor(rt.Target()),
		Command:  append([]string(nil), cmd...),
		Filename: rt.Filename(),
	}
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
