package tier

import (
	"testing"
	"time"
)

func TestParseDocument(t *testing.T) {
	doc := `
[[tiers]]
name = "free"
max_connections = 5
[[tiers.rates]]
limit = 500000
interval = "1s"

[[tiers]]
name = "pro"
max_connections = 50
[[tiers.rates]]
limit = 1000000
interval = "1s"
[[tiers.rates]]
limit = 100000000
interval = "1d"
`
	tiers, err := ParseDocument(doc)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	if len(tiers) != 2 {
		t.Fatalf("got %d tiers, want 2", len(tiers))
	}

	free := tiers[0]
	if free.Name != "free" || free.MaxConnections != 5 {
		t.Errorf("free tier = %+v", free)
	}
	if len(free.Rates) != 1 || free.Rates[0].Limit != 500000 || free.Rates[0].Interval != time.Second {
		t.Errorf("free tier rates = %+v", free.Rates)
	}

	pro := tiers[1]
	if len(pro.Rates) != 2 || pro.Rates[1].Interval != 24*time.Hour {
		t.Errorf("pro tier rates = %+v", pro.Rates)
	}
}

func TestParseIntervalUnits(t *testing.T) {
	cases := map[string]time.Duration{
		"1s":  time.Second,
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"2h":  2 * time.Hour,
		"3d":  3 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := parseInterval(in)
		if err != nil {
			t.Errorf("parseInterval(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("parseInterval(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseIntervalRejectsUnknownUnit(t *testing.T) {
	cases := []string{"1w", "1y", "1", "s", ""}
	for _, in := range cases {
		if _, err := parseInterval(in); err == nil {
			t.Errorf("parseInterval(%q): expected error, got none", in)
		}
	}
}

func TestToMap(t *testing.T) {
	tiers := []Tier{{Name: "free"}, {Name: "pro"}}
	m := ToMap(tiers)
	if len(m) != 2 || m["free"].Name != "free" || m["pro"].Name != "pro" {
		t.Errorf("ToMap = %+v", m)
	}
}
