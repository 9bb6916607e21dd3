package scape

import "strings"

// NormalizeName canonicalizes a scape name: lower case, '-' separated, with
// an optional "scape-" prefix or "-sim" suffix removed and known aliases
// mapped to the registered name.
func NormalizeName(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.Trim(normalized, "-")
	if normalized == "" {
		return ""
	}
	for _, candidate := range aliasCandidates(normalized) {
		if canonical, ok := canonicalName(candidate); ok {
			return canonical
		}
	}
	return normalized
}

func aliasCandidates(normalized string) []string {
	candidates := []string{normalized}
	trimmed := strings.Trim(strings.TrimPrefix(normalized, "scape-"), "-")
	if trimmed != "" && trimmed != normalized {
		candidates = append(candidates, trimmed)
	}
	for _, c := range candidates {
		if s := strings.TrimSuffix(c, "-sim"); s != c && s != "" {
			candidates = append(candidates, s)
		}
	}
	return candidates
}

func canonicalName(alias string) (string, bool) {
	switch strings.ReplaceAll(alias, "-", "") {
	case "cartpolelite", "cartpole":
		return CartPoleLiteName, true
	case "polebalancing", "pole2balancing", "doublepole", "pb":
		return PoleBalancingName, true
	case "targettracking", "tracking":
		return TargetTrackingName, true
	default:
		return "", false
	}
}
