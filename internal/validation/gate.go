// Package validation rejects requests whose required header or body fields are
// missing before any handler logic runs.
package validation

import (
	"encoding/json"
	"strings"

	"github.com/LeVarneBV/AWSLambdaHelper/internal/apperror"
	"github.com/LeVarneBV/AWSLambdaHelper/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	msgNoHeaders = "No headers found in the request"
	msgNoBody    = "No body found in the request"
)

// Gate holds the required header and body field names. It is immutable and
// safe to share between invocations.
type Gate struct {
	headers []string
	body    []string
}

// NewGate creates a Gate for the given field lists. Empty names are ignored.
func NewGate(headers, body []string) *Gate {
	return &Gate{headers: compact(headers), body: compact(body)}
}

// NewGateFromConfig creates a Gate from the process configuration
func NewGateFromConfig(cfg *config.Config) *Gate {
	return NewGate(cfg.Params.RequiredHeaders, cfg.Params.RequiredBody)
}

// Check validates headers and body concurrently. A nil map means the section is
// absent. When both sections fail, only the first detected error is returned.
func (g *Gate) Check(headers map[string]string, body map[string]any) error {
	var eg errgroup.Group

	eg.Go(func() error {
		return g.checkHeaders(headers)
	})
	eg.Go(func() error {
		return g.checkBody(body)
	})

	return eg.Wait()
}

func (g *Gate) checkHeaders(headers map[string]string) error {
	if len(g.headers) == 0 {
		return nil
	}
	if headers == nil {
		return apperror.MissingSection(msgNoHeaders)
	}
	for _, name := range g.headers {
		if headerValue(headers, name) == "" {
			return apperror.MissingField(name)
		}
	}
	return nil
}

// headerValue looks name up exactly, then case-insensitively
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func (g *Gate) checkBody(body map[string]any) error {
	if len(g.body) == 0 {
		return nil
	}
	if body == nil {
		return apperror.MissingSection(msgNoBody)
	}
	for _, name := range g.body {
		if !IsPresent(body[name]) {
			return apperror.MissingField(name)
		}
	}
	return nil
}

// IsPresent reports whether a field value counts as supplied. nil and the empty
// string are missing; false and 0 are present.
func IsPresent(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case json.Number:
		return t != ""
	default:
		return true
	}
}

func compact(names []string) []string {
	var out []string
	for _, name := range names {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
