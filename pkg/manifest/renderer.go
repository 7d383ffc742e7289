package manifest

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/yaml"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
)

//go:embed templates/astro-unit.yaml
var templates embed.FS

const embeddedTemplate = "templates/astro-unit.yaml"

// DefaultImage is the container image used when Options.Image is empty.
const DefaultImage = "busybox:1.36"

// DefaultCommand keeps the unit container alive without doing work.
var DefaultCommand = []string{"sh", "-c", "trap 'exit 0' TERM; while true; do sleep 1; done"}

// Options configures a Renderer.
type Options struct {
	// TemplatePath is a user-supplied pod template. Empty uses the embedded one.
	TemplatePath string

	// Image is the unit container image.
	Image string

	// Command overrides the container command.
	Command []string

	// Namespace is set on every rendered pod when non-empty.
	Namespace string
}

// templateData is what the pod template sees.
type templateData struct {
	Name      string
	Kind      engine.UnitKind
	Target    string
	Image     string
	Command   []string
	ManagedBy string
}

// Renderer turns a deploy request into a pod definition.
type Renderer struct {
	opts Options
	tmpl *template.Template
	src  string
}

// NewRenderer parses the pod template once.
func NewRenderer(opts Options) (*Renderer, error) {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}
	if len(opts.Command) == 0 {
		opts.Command = DefaultCommand
	}

	var (
		data []byte
		err  error
		src  = embeddedTemplate
	)
	if opts.TemplatePath != "" {
		src = opts.TemplatePath
		data, err = os.ReadFile(opts.TemplatePath)
	} else {
		data, err = templates.ReadFile(embeddedTemplate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pod template: %w", err)
	}

	tmpl, err := template.New("astro-unit").
		Option("missingkey=error").
		Funcs(template.FuncMap{"json": toJSON}).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pod template %s: %w", src, err)
	}
	return &Renderer{opts: opts, tmpl: tmpl, src: src}, nil
}

// Source returns where the template was loaded from.
func (r *Renderer) Source() string {
	return r.src
}

// Render implements engine.PodRenderer.
func (r *Renderer) Render(kind engine.UnitKind, target, name string) (*corev1.Pod, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown unit kind %q", kind)
	}
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return nil, fmt.Errorf("invalid pod name %q: %s", name, strings.Join(errs, "; "))
	}
	if kind == engine.KindMiner && target == "" {
		return nil, fmt.Errorf("miner %s has no target address", name)
	}

	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, templateData{
		Name:      name,
		Kind:      kind,
		Target:    target,
		Image:     r.opts.Image,
		Command:   r.opts.Command,
		ManagedBy: engine.ManagedByValue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute pod template: %w", err)
	}

	var pod corev1.Pod
	if err := yaml.UnmarshalStrict(buf.Bytes(), &pod); err != nil {
		return nil, fmt.Errorf("rendered template is not a pod: %w", err)
	}
	if err := r.check(&pod, kind, target, name); err != nil {
		return nil, err
	}
	if r.opts.Namespace != "" {
		pod.Namespace = r.opts.Namespace
	}
	return &pod, nil
}

// RenderYAML renders the pod and encodes it as YAML.
func (r *Renderer) RenderYAML(kind engine.UnitKind, target, name string) ([]byte, error) {
	pod, err := r.Render(kind, target, name)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(pod)
}

// check verifies that a user template kept what the observer relies on.
func (r *Renderer) check(pod *corev1.Pod, kind engine.UnitKind, target, name string) error {
	if pod.Kind != "" && pod.Kind != "Pod" {
		return fmt.Errorf("template %s renders a %s, not a Pod", r.src, pod.Kind)
	}
	if pod.Name != name {
		return fmt.Errorf("template %s renders name %q, want %q", r.src, pod.Name, name)
	}
	if got := pod.Labels[engine.LabelUnitKind]; got != string(kind) {
		return fmt.Errorf("template %s sets %s=%q, want %q", r.src, engine.LabelUnitKind, got, kind)
	}
	if len(pod.Spec.Containers) == 0 {
		return fmt.Errorf("template %s renders no containers", r.src)
	}
	if kind == engine.KindMiner && TargetOf(pod) != target {
		return fmt.Errorf("template %s does not pass %s to the first container", r.src, engine.EnvTarget)
	}
	return nil
}

// TargetOf returns the TARGET env var of the pod's first container.
func TargetOf(pod *corev1.Pod) string {
	if pod == nil || len(pod.Spec.Containers) == 0 {
		return ""
	}
	for _, env := range pod.Spec.Containers[0].Env {
		if env.Name == engine.EnvTarget {
			return env.Value
		}
	}
	return ""
}

func toJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
