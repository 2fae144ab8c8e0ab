package guard

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	rockerrors "github.com/mirkobrombin/go-rock/v1/errors"
)

// Evaluator turns a key expression into a string using the call bindings.
type Evaluator interface {
	Evaluate(expr string, bindings map[string]any) (string, error)
}

// noValue is what text/template prints for a nil binding.
const noValue = "<no value>"

// TemplateEvaluator evaluates expressions with text/template. "#id" and
// "#order.ID" are shorthand for "{{.id}}" and "{{.order.ID}}". Missing
// bindings are errors. Parsed templates are cached.
type TemplateEvaluator struct {
	Funcs template.FuncMap

	cache sync.Map // source -> *template.Template
}

// NewTemplateEvaluator returns a TemplateEvaluator with extra funcs.
func NewTemplateEvaluator(funcs template.FuncMap) *TemplateEvaluator {
	return &TemplateEvaluator{Funcs: funcs}
}

// Evaluate implements Evaluator.
func (e *TemplateEvaluator) Evaluate(expr string, bindings map[string]any) (string, error) {
	src := expr
	if rest, ok := strings.CutPrefix(strings.TrimSpace(expr), "#"); ok {
		src = "{{." + rest + "}}"
	}
	tpl, err := e.parse(src)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, bindings); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (e *TemplateEvaluator) parse(src string) (*template.Template, error) {
	if t, ok := e.cache.Load(src); ok {
		return t.(*template.Template), nil
	}
	tpl, err := template.New("key").Funcs(e.Funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, err
	}
	t, _ := e.cache.LoadOrStore(src, tpl)
	return t.(*template.Template), nil
}

func isExpression(body string) bool {
	return strings.HasPrefix(strings.TrimSpace(body), "#") || strings.Contains(body, "{{")
}

// BuildKey resolves the lock key for opts. The body is evaluated when it is
// an expression, then prefix, body and suffix are joined by the separator,
// skipping blank prefix and suffix. A blank body fails with ErrConfiguration.
func BuildKey(opts Options, bindings map[string]any, eval Evaluator) (string, error) {
	body := opts.Key
	if isExpression(body) {
		if eval == nil {
			return "", fmt.Errorf("%w: no evaluator for key expression %q", rockerrors.ErrConfiguration, body)
		}
		v, err := eval.Evaluate(body, bindings)
		if err != nil {
			return "", fmt.Errorf("%w: lock key %q: %w", rockerrors.ErrConfiguration, opts.Key, err)
		}
		body = v
	}
	body = strings.TrimSpace(body)
	if body == "" || body == noValue {
		return "", fmt.Errorf("%w: lock key %q resolved to a blank value", rockerrors.ErrConfiguration, opts.Key)
	}

	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(opts.Prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, body)
	if s := strings.TrimSpace(opts.Suffix); s != "" {
		parts = append(parts, s)
	}
	return strings.TrimSpace(strings.Join(parts, sep)), nil
}
