package config

import (
	"bytes"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Env is the environment injected into a process. Scalar values are kept
// as their literal text, so `PYTHONUNBUFFERED: 1` yields "1".
type Env map[string]string

func (e *Env) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*e = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return errors.Errorf("line %d: env must be a mapping of string to string", node.Line)
	}
	out := make(Env, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return errors.Errorf("line %d: env key must be a string", k.Line)
		}
		if v.Kind != yaml.ScalarNode || v.Tag == "!!null" {
			return errors.Errorf("line %d: env value for %q must be a string", v.Line, k.Value)
		}
		if _, dup := out[k.Value]; dup {
			return errors.Errorf("line %d: env key %q already defined", k.Line, k.Value)
		}
		out[k.Value] = v.Value
	}
	*e = out
	return nil
}

func (e *Env) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*e = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.New("env must be an object of string to string")
	}
	out := make(Env, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		switch {
		case len(v) == 0:
			return errors.Errorf("env value for %q must be a string", k)
		case v[0] == '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return errors.Wrapf(err, "env value for %q", k)
			}
			out[k] = s
		case v[0] == '{' || v[0] == '[' || bytes.Equal(v, []byte("null")):
			return errors.Errorf("env value for %q must be a string", k)
		default:
			out[k] = string(v)
		}
	}
	*e = out
	return nil
}

// Pairs returns KEY=VALUE entries sorted by key.
func (e Env) Pairs() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e[k])
	}
	return out
}

// Duration is a time.Duration written as a Go duration string ("10s", "1m30s").
// Plain integers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: duration must be a string like \"10s\"", node.Line)
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		return Duration(v), nil
	}
	var secs int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		secs = secs*10 + int64(r-'0')
	}
	return Duration(time.Duration(secs) * time.Second), nil
}
