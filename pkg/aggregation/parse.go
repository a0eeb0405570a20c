package aggregation

import (
	"fmt"
	"strings"
)

// ParseSpecs parses a semicolon separated aggregate list such as
// "count(*) as n; avg(price); temporal_sequence(lon, lat, ts) as path".
func ParseSpecs(s string) ([]Spec, error) {
	var specs []Spec
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		spec, err := parseSpec(item)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("aggregation: no aggregates in %q", s)
	}
	return specs, nil
}

func parseSpec(item string) (Spec, error) {
	var spec Spec
	call := item
	if i := strings.LastIndex(strings.ToLower(item), " as "); i >= 0 {
		spec.As = strings.TrimSpace(item[i+4:])
		call = strings.TrimSpace(item[:i])
	}
	open := strings.IndexByte(call, '(')
	if open <= 0 || !strings.HasSuffix(call, ")") {
		return Spec{}, fmt.Errorf("aggregation: malformed aggregate %q", item)
	}
	spec.Kind = strings.ToLower(strings.TrimSpace(call[:open]))
	for _, f := range strings.Split(call[open+1:len(call)-1], ",") {
		if f = strings.TrimSpace(f); f != "" && f != "*" {
			spec.Fields = append(spec.Fields, f)
		}
	}
	return spec, nil
}
