// Package tier holds the Tier policy type and the parser for the tier
// configuration document described in spec.md §4.5 / §6.
package tier

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

// Rate is one token-bucket replenishment rule: `limit` tokens granted every
// `interval`.
type Rate struct {
	Limit    int64
	Interval time.Duration
}

// Tier is a named policy bundle: a connection cap plus an ordered list of
// rate rules.
type Tier struct {
	Name           string
	MaxConnections int64
	Rates          []Rate
}

// document mirrors the top-level shape of the tier config TOML:
//
//	[[tiers]]
//	name = "free"
//	max_connections = 5
//	[[tiers.rates]]
//	limit = 500000
//	interval = "1s"
type document struct {
	Tiers []rawTier `toml:"tiers"`
}

type rawTier struct {
	Name           string    `toml:"name"`
	MaxConnections int64     `toml:"max_connections"`
	Rates          []rawRate `toml:"rates"`
}

type rawRate struct {
	Limit    int64  `toml:"limit"`
	Interval string `toml:"interval"`
}

// ParseDocument parses the tier configuration TOML text into a slice of
// Tier, in document order. Unsupported interval units are rejected, per
// spec.md §4.5.
func ParseDocument(text string) ([]Tier, error) {
	var doc document
	if err := toml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, proxyerr.Wrap(proxyerr.WatcherTransient, "parsing tier document", err)
	}

	tiers := make([]Tier, 0, len(doc.Tiers))
	for _, rt := range doc.Tiers {
		rates := make([]Rate, 0, len(rt.Rates))
		for _, rr := range rt.Rates {
			d, err := parseInterval(rr.Interval)
			if err != nil {
				return nil, proxyerr.Wrap(proxyerr.WatcherTransient, fmt.Sprintf("tier %q", rt.Name), err)
			}
			rates = append(rates, Rate{Limit: rr.Limit, Interval: d})
		}
		tiers = append(tiers, Tier{
			Name:           rt.Name,
			MaxConnections: rt.MaxConnections,
			Rates:          rates,
		})
	}
	return tiers, nil
}

// parseInterval parses a "<integer><unit>" duration string with units
// s|m|h|d, rejecting anything else, per spec.md §4.5.
func parseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}

	var unitDur time.Duration
	switch unit {
	case 's':
		unitDur = time.Second
	case 'm':
		unitDur = time.Minute
	case 'h':
		unitDur = time.Hour
	case 'd':
		unitDur = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid interval unit in %q", s)
	}
	return time.Duration(n) * unitDur, nil
}

// ToMap indexes tiers by name, the shape the Registry keeps them in.
func ToMap(tiers []Tier) map[string]Tier {
	m := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	return m
}
