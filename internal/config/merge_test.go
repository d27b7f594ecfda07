package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T { return &v }

func TestMergeNoOverrides(t *testing.T) {
	defaults := TransportConfig{
		Host:    "127.0.0.1",
		Port:    8000,
		RootDir: "/srv/project",
		Headers: map[string]string{"Cache-Control": "no-cache"},
	}

	got, prov := Merge(defaults, TransportOverrides{})

	if diff := cmp.Diff(defaults, got); diff != "" {
		t.Errorf("merged config mismatch (-want +got):\n%s", diff)
	}
	for key, src := range prov {
		assert.Equal(t, FromDefault, src, "provenance of %s", key)
	}
}

func TestMergeOperatorWins(t *testing.T) {
	defaults := TransportConfig{
		Host:        "127.0.0.1",
		Port:        8000,
		RootDir:     "/srv/project",
		ReadTimeout: 10 * time.Second,
		Headers:     map[string]string{"Cache-Control": "no-cache", "X-Runner": "wtr"},
		CORS:        CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost"}},
	}
	overrides := TransportOverrides{
		Port:        ptr(9000),
		ReadTimeout: ptr(time.Duration(0)),
		Headers:     map[string]string{"Cache-Control": "no-store"},
		CORS:        &CORSOverrides{Enabled: ptr(false)},
	}

	got, prov := Merge(defaults, overrides)

	want := TransportConfig{
		Host:        "127.0.0.1",
		Port:        9000,
		RootDir:     "/srv/project",
		ReadTimeout: 0,
		Headers:     map[string]string{"Cache-Control": "no-store", "X-Runner": "wtr"},
		CORS:        CORSConfig{Enabled: false, AllowedOrigins: []string{"http://localhost"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged config mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, FromOperator, prov["port"])
	assert.Equal(t, FromOperator, prov["read_timeout"], "explicit zero override must still win")
	assert.Equal(t, FromOperator, prov["headers.Cache-Control"])
	assert.Equal(t, FromOperator, prov["cors.enabled"], "explicit false override must still win")
	assert.Equal(t, FromDefault, prov["host"])
	assert.Equal(t, FromDefault, prov["headers.X-Runner"])
	assert.Equal(t, FromDefault, prov["cors.allowed_origins"])
}

func TestMergeDoesNotAliasInputs(t *testing.T) {
	defaults := TransportConfig{
		Headers: map[string]string{"A": "1"},
		CORS:    CORSConfig{AllowedOrigins: []string{"http://a"}},
	}
	overrides := TransportOverrides{Headers: map[string]string{"B": "2"}}

	got, _ := Merge(defaults, overrides)
	got.Headers["C"] = "3"
	got.CORS.AllowedOrigins[0] = "http://mutated"

	assert.Equal(t, map[string]string{"A": "1"}, defaults.Headers)
	assert.Equal(t, []string{"http://a"}, defaults.CORS.AllowedOrigins)
	assert.Equal(t, map[string]string{"B": "2"}, overrides.Headers)
}

func TestMergeOverridesIntoNilHeaders(t *testing.T) {
	got, prov := Merge(TransportConfig{}, TransportOverrides{Headers: map[string]string{"X-A": "1"}})
	assert.Equal(t, map[string]string{"X-A": "1"}, got.Headers)
	assert.Equal(t, FromOperator, prov["headers.X-A"])
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "default", FromDefault.String())
	assert.Equal(t, "operator", FromOperator.String())
}
