// Package serviceinfo carries the identity of the running service. A value is
// built once in main and passed to the components that stamp it on their
// output.
package serviceinfo

import (
	"context"
	"runtime"
)

// Info is immutable after construction.
type Info struct {
	name      string
	version   string
	goVersion string
}

func New(name, version string) Info {
	if name == "" {
		name = "acquisition-server"
	}
	if version == "" {
		version = "dev"
	}
	return Info{name: name, version: version, goVersion: runtime.Version()}
}

func (i Info) Name() string      { return i.name }
func (i Info) Version() string   { return i.version }
func (i Info) GoVersion() string { return i.goVersion }

// UserAgent is sent on outbound FHIR requests.
func (i Info) UserAgent() string { return i.name + "/" + i.version }

type ctxKey struct{}

func WithContext(ctx context.Context, i Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, i)
}

// FromContext returns the Info stored on ctx, or a default Info.
func FromContext(ctx context.Context) Info {
	if i, ok := ctx.Value(ctxKey{}).(Info); ok {
		return i
	}
	return New("", "")
}
