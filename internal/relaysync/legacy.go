package relaysync

import (
	"encoding/json"
	"strings"
)

// LegacyRule describes how to recognize an old client that predates
// explicit namespaces. It is a compatibility shim only: requests that carry
// clientView.name never consult it.
type LegacyRule struct {
	Namespace string
	// GroupMarkers are case-insensitive substrings of the client group ID.
	GroupMarkers []string
	// MutationNames the namespace accepts.
	MutationNames []string
	// ArgFields are argument keys characteristic of the namespace.
	ArgFields []string
}

// inferLegacyNamespace checks client group markers first. Failing that it
// scores every rule by mutation names (weighted) and argument fields, and
// only answers when one rule scores strictly highest.
func inferLegacyNamespace(rules []LegacyRule, clientGroupID string, mutations []Mutation) (string, bool) {
	if len(rules) == 0 {
		return "", false
	}
	group := strings.ToLower(clientGroupID)
	if group != "" {
		for _, rule := range rules {
			for _, marker := range rule.GroupMarkers {
				marker = strings.ToLower(strings.TrimSpace(marker))
				if marker != "" && strings.Contains(group, marker) {
					return rule.Namespace, true
				}
			}
		}
	}
	if len(mutations) == 0 {
		return "", false
	}

	fields := map[string]struct{}{}
	for _, m := range mutations {
		var args map[string]json.RawMessage
		if len(m.Args) == 0 || json.Unmarshal(m.Args, &args) != nil {
			continue
		}
		for key := range args {
			fields[key] = struct{}{}
		}
	}

	best, bestScore, tied := "", 0, false
	for _, rule := range rules {
		score := 0
		for _, m := range mutations {
			for _, name := range rule.MutationNames {
				if m.Name == name {
					score += 2
					break
				}
			}
		}
		for _, field := range rule.ArgFields {
			if _, ok := fields[field]; ok {
				score++
			}
		}
		switch {
		case score > bestScore:
			best, bestScore, tied = rule.Namespace, score, false
		case score == bestScore && score > 0:
			tied = true
		}
	}
	if bestScore == 0 || tied {
		return "", false
	}
	return best, true
}
