// Package codec turns handler arguments and results into message bodies.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	loggingpkg "github.com/drblury/burrow/internal/runtime/logging"
)

const (
	JSONName = "json"

	JSONContentType = "application/json"
)

// Codec encodes outgoing payloads and decodes incoming bodies.
type Codec interface {
	Name() string
	ContentType() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Lookup resolves a codec by name. An empty name selects JSON.
func Lookup(name string, logger loggingpkg.ServiceLogger) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", JSONName:
		return NewJSON(logger), nil
	case ProtoName:
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownCodec, name)
	}
}

var defaultConfig = sonic.ConfigStd

// Marshal encodes v as JSON.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// MarshalIndent encodes v as indented JSON.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Encode streams v as JSON to w.
func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// JSON is the default codec. Bodies carrying bare NaN literals are rewritten
// to 0 before parsing.
type JSON struct {
	logger loggingpkg.ServiceLogger
}

// NewJSON returns a JSON codec that warns through logger when it rewrites NaN.
func NewJSON(logger loggingpkg.ServiceLogger) *JSON {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &JSON{logger: logger}
}

func (j *JSON) Name() string        { return JSONName }
func (j *JSON) ContentType() string { return JSONContentType }

func (j *JSON) Encode(v any) ([]byte, error) {
	return Marshal(v)
}

func (j *JSON) Decode(data []byte, v any) error {
	if sanitized, rewritten := SanitizeNaN(data); rewritten {
		j.logger.Warn("NaN found in JSON payload, replaced with 0", nil)
		data = sanitized
	}
	if raw, ok := v.(*[]byte); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return Unmarshal(data, v)
}

var nanToken = []byte("NaN")

// SanitizeNaN replaces bare NaN tokens outside string literals with 0. It
// reports whether anything was rewritten.
func SanitizeNaN(data []byte) ([]byte, bool) {
	if !bytes.Contains(data, nanToken) {
		return data, false
	}

	out := make([]byte, 0, len(data))
	inString := false
	escaped := false
	rewritten := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			out = append(out, c)
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if bytes.HasPrefix(data[i:], nanToken) {
			out = append(out, '0')
			i += len(nanToken) - 1
			rewritten = true
			continue
		}
		out = append(out, c)
	}
	return out, rewritten
}
