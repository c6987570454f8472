package flag

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong configuration loader. Top-level keys name flags, with
// either dashes or underscores; values are handed to kong as text so the
// usual flag decoding applies.
//
//	poll-interval: 250ms
//	verbose: 1
//	metrics_addr: 127.0.0.1:9108
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}

	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml config: %w", err)
	}

	var f kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		for _, key := range []string{flag.Name, strings.ReplaceAll(flag.Name, "-", "_")} {
			v, ok := values[key]
			if !ok {
				continue
			}

			switch v.(type) {
			case map[string]any, []any:
				return nil, fmt.Errorf("config key %q: want a scalar, got %T", key, v)
			}

			return fmt.Sprint(v), nil
		}

		return nil, nil
	}

	return f, nil
}
