package config

import (
	"maps"
	"slices"
	"time"
)

// TransportConfig is the resolved configuration handed to the HTTP
// transport.
type TransportConfig struct {
	Host         string
	Port         int
	RootDir      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
	Headers      map[string]string
	CORS         CORSConfig
}

type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
}

// TransportOverrides is the operator-supplied part of the transport
// configuration. A nil field means "not set"; anything set wins over the
// defaults, at every nesting level.
type TransportOverrides struct {
	Host         *string           `yaml:"host"`
	Port         *int              `yaml:"port"`
	RootDir      *string           `yaml:"root_dir"`
	ReadTimeout  *time.Duration    `yaml:"read_timeout"`
	WriteTimeout *time.Duration    `yaml:"write_timeout"`
	MaxBodyBytes *int64            `yaml:"max_body_bytes"`
	Headers      map[string]string `yaml:"headers"`
	CORS         *CORSOverrides    `yaml:"cors"`
}

type CORSOverrides struct {
	Enabled        *bool    `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Source tells where a resolved field value came from.
type Source int

const (
	FromDefault Source = iota
	FromOperator
)

func (s Source) String() string {
	if s == FromOperator {
		return "operator"
	}
	return "default"
}

// Provenance maps a dotted field path ("cors.enabled", "headers.X-Foo") to
// the source of its resolved value.
type Provenance map[string]Source

// Merge resolves the transport configuration. It is pure: neither argument
// is modified and the result shares no maps or slices with them.
func Merge(defaults TransportConfig, o TransportOverrides) (TransportConfig, Provenance) {
	out := defaults
	prov := Provenance{}

	mergeField(&out.Host, o.Host, "host", prov)
	mergeField(&out.Port, o.Port, "port", prov)
	mergeField(&out.RootDir, o.RootDir, "root_dir", prov)
	mergeField(&out.ReadTimeout, o.ReadTimeout, "read_timeout", prov)
	mergeField(&out.WriteTimeout, o.WriteTimeout, "write_timeout", prov)
	mergeField(&out.MaxBodyBytes, o.MaxBodyBytes, "max_body_bytes", prov)

	out.Headers = maps.Clone(defaults.Headers)
	for k := range defaults.Headers {
		prov["headers."+k] = FromDefault
	}
	if len(o.Headers) > 0 && out.Headers == nil {
		out.Headers = make(map[string]string, len(o.Headers))
	}
	for k, v := range o.Headers {
		out.Headers[k] = v
		prov["headers."+k] = FromOperator
	}

	out.CORS = mergeCORS(defaults.CORS, o.CORS, prov)
	return out, prov
}

func mergeCORS(defaults CORSConfig, o *CORSOverrides, prov Provenance) CORSConfig {
	out := CORSConfig{
		Enabled:        defaults.Enabled,
		AllowedOrigins: slices.Clone(defaults.AllowedOrigins),
	}
	prov["cors.enabled"] = FromDefault
	prov["cors.allowed_origins"] = FromDefault
	if o == nil {
		return out
	}
	mergeField(&out.Enabled, o.Enabled, "cors.enabled", prov)
	if o.AllowedOrigins != nil {
		out.AllowedOrigins = slices.Clone(o.AllowedOrigins)
		prov["cors.allowed_origins"] = FromOperator
	}
	return out
}

func mergeField[T any](dst *T, override *T, key string, prov Provenance) {
	if override == nil {
		prov[key] = FromDefault
		return
	}
	*dst = *override
	prov[key] = FromOperator
}
