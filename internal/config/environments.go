package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoints is one backend environment's OAuth endpoint pair.
type Endpoints struct {
	AuthorizeURL string `yaml:"authorize_url"`
	TokenURL     string `yaml:"token_url"`
}

// builtinEnvironments are the endpoint pairs shipped with the binary.
// An environments file can override them or add new names.
var builtinEnvironments = map[string]Endpoints{
	"sim": {
		AuthorizeURL: "https://sim.logonvalidation.net/authorize",
		TokenURL:     "https://sim.logonvalidation.net/token",
	},
	"live": {
		AuthorizeURL: "https://live.logonvalidation.net/authorize",
		TokenURL:     "https://live.logonvalidation.net/token",
	},
}

// ResolveEndpoints returns the endpoint pair for the named environment.
// When file is non-empty it is parsed as a YAML map of environment name to
// endpoints and overlaid on the built-in registry; entries must be
// complete (both URLs).
func ResolveEndpoints(name, file string) (Endpoints, error) {
	registry := make(map[string]Endpoints, len(builtinEnvironments))
	for k, v := range builtinEnvironments {
		registry[k] = v
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Endpoints{}, fmt.Errorf("reading environments file: %w", err)
		}

		var overrides map[string]Endpoints
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return Endpoints{}, fmt.Errorf("parsing environments file: %w", err)
		}

		for k, v := range overrides {
			if v.AuthorizeURL == "" || v.TokenURL == "" {
				return Endpoints{}, fmt.Errorf("environment %q in %s must set both authorize_url and token_url", k, file)
			}

			registry[strings.ToLower(k)] = v
		}
	}

	eps, ok := registry[strings.ToLower(name)]
	if !ok {
		return Endpoints{}, fmt.Errorf("unknown broker environment %q, known: %s", name, knownNames(registry))
	}

	return eps, nil
}

func knownNames(registry map[string]Endpoints) string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}

	sort.Strings(names)

	return strings.Join(names, ", ")
}
