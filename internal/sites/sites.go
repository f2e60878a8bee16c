// Package sites maps site names to their adapters.
package sites

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites/boursorama"
	"bankauth-backend/internal/sites/browser"
	"bankauth-backend/internal/sites/caissedepargne"
	"bankauth-backend/internal/sites/creditmutuel"
	"bankauth-backend/internal/sites/fortuneo"
)

type Config struct {
	Browser browser.Options `json:"browser"`
	// KeyboardSymbols replaces the virtual keyboard fingerprints, keyed by
	// digit. Only sites with a virtual keyboard read it.
	KeyboardSymbols map[string][]string `json:"keyboard_symbols"`
}

func (c Config) symbols() (map[rune][]string, error) {
	out := make(map[rune][]string, len(c.KeyboardSymbols))
	for key, hashes := range c.KeyboardSymbols {
		r, size := utf8.DecodeRuneInString(key)
		if size != len(key) || r < '0' || r > '9' {
			return nil, fmt.Errorf("keyboard symbol '%s' is not a digit", key)
		}
		out[r] = hashes
	}
	return out, nil
}

type Factory func(cfg Config, tel telemetry.API) (sca.Adapter, error)

type site struct {
	baseURL string
	factory Factory
}

var registry = map[string]site{
	boursorama.Site: {boursorama.DefaultBaseURL, func(cfg Config, tel telemetry.API) (sca.Adapter, error) {
		var opts []boursorama.Option
		if len(cfg.KeyboardSymbols) > 0 {
			symbols, err := cfg.symbols()
			if err != nil {
				return nil, err
			}
			opts = append(opts, boursorama.WithSymbols(symbols))
		}
		return boursorama.New(cfg.Browser, tel, opts...)
	}},
	caissedepargne.Site: {caissedepargne.DefaultBaseURL, func(cfg Config, tel telemetry.API) (sca.Adapter, error) {
		var opts []caissedepargne.Option
		if len(cfg.KeyboardSymbols) > 0 {
			symbols, err := cfg.symbols()
			if err != nil {
				return nil, err
			}
			opts = append(opts, caissedepargne.WithSymbols(symbols))
		}
		return caissedepargne.New(cfg.Browser, tel, opts...)
	}},
	creditmutuel.Site: {creditmutuel.DefaultBaseURL, func(cfg Config, tel telemetry.API) (sca.Adapter, error) {
		return creditmutuel.New(cfg.Browser, tel)
	}},
	fortuneo.Site: {fortuneo.DefaultBaseURL, func(cfg Config, tel telemetry.API) (sca.Adapter, error) {
		return fortuneo.New(cfg.Browser, tel)
	}},
}

// Names lists the supported sites in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BaseURL is the address the site's adapter talks to under cfg.
func BaseURL(name string, cfg Config) string {
	if cfg.Browser.BaseURL != "" {
		return cfg.Browser.BaseURL
	}
	return registry[name].baseURL
}

func New(name string, cfg Config, tel telemetry.API) (sca.Adapter, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown site '%s'", name)
	}
	return s.factory(cfg, tel)
}
