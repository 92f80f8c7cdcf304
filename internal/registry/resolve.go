package registry

import (
	"regexp"
	"strings"

	"lm-bridge/internal/host"
)

// keyIdentifiers are vendor and family markers that signal intent when
// they appear on both sides of a match.
var keyIdentifiers = []string{"claude", "gpt", "opus", "sonnet", "haiku", "o1", "o3", "gemini"}

// versionPattern captures two dot- or hyphen-separated numeric groups, so
// "sonnet-4-5" and "gpt-4.1" both yield a version token.
var versionPattern = regexp.MustCompile(`(\d+)[.-](\d+)`)

// Scoring weights. Version precision is the strongest signal of intent, so
// it dominates identifier overlap, which dominates family containment.
const (
	identifierBonus   = 10
	identifierPenalty = 1
	versionBonus      = 50
	versionPenalty    = 20
	familyBonus       = 5
)

// Resolve picks one concrete model for a client-supplied model string.
// An empty cache resolves to nothing. With no effective request the first
// cached model wins; exact id and family matches win next; otherwise the
// best strictly positive score wins, falling back to the first cached
// model so a nonsensical request never selects a wildly wrong model by
// lowest-score accident.
func Resolve(requested string, models []host.ModelDescriptor, configuredDefault string) *host.ModelDescriptor {
	if len(models) == 0 {
		return nil
	}

	effective := strings.TrimSpace(requested)
	if effective == "" {
		effective = strings.TrimSpace(configuredDefault)
	}
	if effective == "" {
		return &models[0]
	}

	lowered := strings.ToLower(effective)
	for i := range models {
		if strings.ToLower(models[i].ID) == lowered {
			return &models[i]
		}
	}
	for i := range models {
		if strings.ToLower(models[i].Family) == lowered {
			return &models[i]
		}
	}

	best := -1
	bestScore := 0
	for i := range models {
		score := ScoreMatch(effective, models[i])
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best >= 0 {
		return &models[best]
	}
	return &models[0]
}

// ScoreMatch scores how well a model fits a requested string. The result
// is deterministic: no randomness, no ordering dependence.
func ScoreMatch(requested string, model host.ModelDescriptor) int {
	request := strings.ToLower(requested)
	combined := strings.ToLower(model.Family + " " + model.Name + " " + model.ID)

	score := 0

	for _, ident := range keyIdentifiers {
		inRequest := strings.Contains(request, ident)
		inModel := strings.Contains(combined, ident)
		switch {
		case inRequest && inModel:
			score += identifierBonus
		case inRequest != inModel:
			score -= identifierPenalty
		}
	}

	if version := extractVersion(request); version != "" {
		modelVersions := extractVersions(combined)
		if containsString(modelVersions, version) {
			score += versionBonus
		} else if len(modelVersions) > 0 {
			score -= versionPenalty
		}
	}

	family := strings.ToLower(model.Family)
	if len(family) >= 3 && strings.Contains(request, family) {
		score += familyBonus
	}

	return score
}

// extractVersion normalizes the first version token in s to "N.M".
func extractVersion(s string) string {
	match := versionPattern.FindStringSubmatch(s)
	if match == nil {
		return ""
	}
	return match[1] + "." + match[2]
}

func extractVersions(s string) []string {
	matches := versionPattern.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return nil
	}
	versions := make([]string, 0, len(matches))
	for _, match := range matches {
		versions = append(versions, match[1]+"."+match[2])
	}
	return versions
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
