// Package renderer turns an application template and a resolved parameter
// set into a concrete job script plus its supporting file manifest. It is
// pure: same inputs always render byte-identical output, which is what lets
// the registry compute a submission's script exactly once at creation.
package renderer

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/errors"
)

// Artifact is the rendered output of one submission.
type Artifact struct {
	// Script is the rendered entrypoint, the text handed to the local
	// scheduler by the claiming agent.
	Script string
	// Files maps supporting file names to their rendered contents.
	Files map[string]string
}

// ResolveParams validates the given parameters against the schema, applies
// declared defaults and coerces values to their declared types. Unknown
// names, missing required parameters and type mismatches all reject with
// ErrInvalidParameter; nothing is ever fixed up silently.
func ResolveParams(schema []model.ParamSpec, given map[string]interface{}) (map[string]interface{}, error) {
	declared := make(map[string]model.ParamSpec, len(schema))
	for _, spec := range schema {
		declared[spec.Name] = spec
	}

	for name := range given {
		if _, ok := declared[name]; !ok {
			return nil, errors.ErrUnknownParameter.GenWithStackByArgs(name)
		}
	}

	resolved := make(map[string]interface{}, len(schema))
	for _, spec := range schema {
		raw, ok := given[spec.Name]
		if !ok {
			if spec.Default != nil {
				raw = spec.Default
			} else if spec.Required {
				return nil, errors.ErrInvalidParameter.GenWithStackByArgs(
					fmt.Sprintf("%s is required", spec.Name))
			} else {
				continue
			}
		}
		value, err := coerce(spec, raw)
		if err != nil {
			return nil, err
		}
		resolved[spec.Name] = value
	}
	return resolved, nil
}

// coerce converts a JSON-decoded value to the declared parameter type.
// JSON numbers arrive as float64, so whole floats are accepted as ints.
func coerce(spec model.ParamSpec, raw interface{}) (interface{}, error) {
	mismatch := func() error {
		return errors.ErrInvalidParameter.GenWithStackByArgs(
			fmt.Sprintf("%s must be of type %s, got %v (%T)", spec.Name, spec.Type, raw, raw))
	}

	switch spec.Type {
	case model.ParamString:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil
	case model.ParamInt:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, mismatch()
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, mismatch()
			}
			return n, nil
		}
		return nil, mismatch()
	case model.ParamFloat:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, mismatch()
	case model.ParamBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, mismatch()
		}
		return b, nil
	}
	return nil, errors.ErrInvalidParameter.GenWithStackByArgs(
		fmt.Sprintf("%s declares unsupported type %q", spec.Name, spec.Type))
}

// ValidateTemplate parses every file of the template source without
// executing it. Parse failures reject an application at upload time with
// ErrTemplateParse, before any submission can reference the broken version.
func ValidateTemplate(src model.TemplateSource) error {
	if src.Entrypoint == "" {
		return errors.ErrTemplateParse.GenWithStackByArgs("template has no entrypoint")
	}
	if _, ok := src.Files[src.Entrypoint]; !ok {
		return errors.ErrTemplateParse.GenWithStackByArgs(
			fmt.Sprintf("entrypoint %q not among template files", src.Entrypoint))
	}

	names := make([]string, 0, len(src.Files))
	for name := range src.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, err := template.New(name).Option("missingkey=error").Parse(src.Files[name]); err != nil {
			return errors.Wrap(errors.ErrTemplateParse, err, fmt.Sprintf("%s: %s", name, err))
		}
	}
	return nil
}

// Render renders the template source with the already-resolved parameters.
// Template syntax failures surface as ErrTemplateParse; references to values
// absent from the parameter set surface as ErrInvalidParameter.
func Render(src model.TemplateSource, params map[string]interface{}) (*Artifact, error) {
	if src.Entrypoint == "" {
		return nil, errors.ErrTemplateParse.GenWithStackByArgs("template has no entrypoint")
	}
	if _, ok := src.Files[src.Entrypoint]; !ok {
		return nil, errors.ErrTemplateParse.GenWithStackByArgs(
			fmt.Sprintf("entrypoint %q not among template files", src.Entrypoint))
	}

	// render files in sorted order so failures are reported deterministically.
	names := make([]string, 0, len(src.Files))
	for name := range src.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	rendered := make(map[string]string, len(names))
	for _, name := range names {
		out, err := renderOne(name, src.Files[name], params)
		if err != nil {
			return nil, err
		}
		rendered[name] = out
	}

	artifact := &Artifact{
		Script: rendered[src.Entrypoint],
		Files:  make(map[string]string, len(rendered)-1),
	}
	for name, content := range rendered {
		if name != src.Entrypoint {
			artifact.Files[name] = content
		}
	}
	return artifact, nil
}

func renderOne(name string, content string, params map[string]interface{}) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(content)
	if err != nil {
		return "", errors.Wrap(errors.ErrTemplateParse, err, err.Error())
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", errors.Wrap(errors.ErrInvalidParameter, err, err.Error())
		}
		return "", errors.Wrap(errors.ErrTemplateParse, err, err.Error())
	}
	return buf.String(), nil
}
