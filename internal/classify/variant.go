package classify

import (
	"regexp"
	"strings"

	"github.com/jaydubya818/comicogs-sub003/internal/model"
)

const (
	unclassifiedConfidence = 0.3
	mixedConfidence        = 0.45
	conflictPenalty        = 0.15
)

var spaceRun = regexp.MustCompile(`\s+`)

// VariantClassifier 基于规则表识别版本。构造后只读，可并发使用。
type VariantClassifier struct {
	rules []VariantRule
}

// NewVariantClassifier 使用给定规则表，rules 为空时使用 DefaultVariantRules。
func NewVariantClassifier(rules []VariantRule) *VariantClassifier {
	if len(rules) == 0 {
		rules = DefaultVariantRules
	}
	return &VariantClassifier{rules: rules}
}

// Classify 识别标题与描述中的版本信息。
//
// 所有命中的规则都记入 PatternsMatched；互斥组内命中多个子类型时记录冲突，
// 该组不参与胜者选择。没有任何可用候选时返回组类型 + mixed。
func (c *VariantClassifier) Classify(title, description string) model.Variant {
	text := normalizeText(title + " " + description)

	out := model.Variant{PatternsMatched: []string{}, EdgeCases: []string{}}

	var hits []int
	superseded := make(map[string]bool)
	for i, r := range c.rules {
		if !r.Pattern.MatchString(text) {
			continue
		}
		hits = append(hits, i)
		out.PatternsMatched = append(out.PatternsMatched, r.Name)
		for _, s := range r.Supersedes {
			superseded[s] = true
		}
	}

	if len(hits) == 0 {
		out.Type = TypeBase
		out.Subtype = TypeBase
		out.Confidence = unclassifiedConfidence
		out.EdgeCases = append(out.EdgeCases, EdgeUnclassified)
		return out
	}

	groupSubtypes := make(map[string]map[string]bool)
	var groupsSeen []string
	for _, i := range hits {
		r := c.rules[i]
		if superseded[r.Name] || r.Group == "" {
			continue
		}
		if groupSubtypes[r.Group] == nil {
			groupSubtypes[r.Group] = make(map[string]bool)
			groupsSeen = append(groupsSeen, r.Group)
		}
		groupSubtypes[r.Group][r.Subtype] = true
	}

	conflicting := make(map[string]bool)
	var conflicts []string
	for _, g := range append(append([]string{}, groupOrder...), groupsSeen...) {
		if conflicting[g] || len(groupSubtypes[g]) < 2 {
			continue
		}
		conflicting[g] = true
		conflicts = append(conflicts, g)
		out.EdgeCases = append(out.EdgeCases, conflictEdgeCase(g))
	}

	best := -1
	for _, i := range hits {
		r := c.rules[i]
		if superseded[r.Name] || conflicting[r.Group] {
			continue
		}
		if best < 0 || r.Confidence > c.rules[best].Confidence {
			best = i
		}
	}

	if best < 0 && len(conflicts) == 0 {
		out.Type = TypeBase
		out.Subtype = TypeBase
		out.Confidence = unclassifiedConfidence
		out.EdgeCases = append(out.EdgeCases, EdgeUnclassified)
		return out
	}
	if best < 0 {
		out.Type = c.firstTypeInGroup(hits, conflicts[0])
		out.Subtype = SubtypeMixed
		out.Confidence = clamp01(mixedConfidence - 0.05*float64(len(conflicts)-1))
		return out
	}

	winner := c.rules[best]
	out.Type = winner.Type
	out.Subtype = winner.Subtype
	out.Confidence = clamp01(winner.Confidence - conflictPenalty*float64(len(conflicts)))
	return out
}

func (c *VariantClassifier) firstTypeInGroup(hits []int, group string) string {
	if info, ok := variantGroups[group]; ok {
		return info.Type
	}
	for _, i := range hits {
		if c.rules[i].Group == group {
			return c.rules[i].Type
		}
	}
	return TypeBase
}

func conflictEdgeCase(group string) string {
	if info, ok := variantGroups[group]; ok {
		return info.EdgeCase
	}
	return group + "_conflict"
}

func normalizeText(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(strings.ToLower(s), " "))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
