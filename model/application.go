package model

import "time"

// ApplicationID identifies a named job template.
type ApplicationID = string

// ParamType enumerates the value types a template parameter may declare.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
)

// ParamSpec declares one template parameter.
type ParamSpec struct {
	Name     string      `json:"name" yaml:"name"`
	Type     ParamType   `json:"type" yaml:"type"`
	Required bool        `json:"required" yaml:"required"`
	Default  interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// TemplateSource is the raw template material of one application version.
// Entrypoint names the file rendered into the job script; the remaining
// files become the supporting file manifest.
type TemplateSource struct {
	Entrypoint string            `json:"entrypoint" yaml:"entrypoint"`
	Files      map[string]string `json:"files"`
}

// Application is one immutable-once-published version of a job template.
// Revisions allocate a new version; older versions are retained so existing
// submissions stay reproducible.
type Application struct {
	ID        ApplicationID  `json:"id"`
	Version   int64          `json:"version"`
	Tenant    TenantID       `json:"tenant"`
	Name      string         `json:"name"`
	Template  TemplateSource `json:"template"`
	Schema    []ParamSpec    `json:"schema"`
	CreatedAt time.Time      `json:"created-at"`
}
