package classify

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jaydubya818/comicogs-sub003/internal/model"
)

const (
	gradedConfidence   = 0.95
	reversedConfidence = 0.9
	rawConfidence      = 0.75
	unknownConfidence  = 0.2
	rejectedConfidence = 0.3
	// 预估分数只说明卖家的判断，不代表已评级
	speculativeConfidence = 0.5
)

var gradeNumber = regexp.MustCompile(`^\d{1,2}(\.\d)?$`)

// ConditionClassifier 识别评级分数、未评级品相词汇与特殊标记。构造后只读。
type ConditionClassifier struct {
	raw          []RawGrade
	designations []Designation
}

// NewConditionClassifier 使用默认词汇表与标记表。
func NewConditionClassifier() *ConditionClassifier {
	return &ConditionClassifier{raw: DefaultRawGrades, designations: DefaultDesignations}
}

// Classify 识别品相。
//
// 评级写法优先；分数不合法（超出 [0.5, 10]、多于一位小数或多个小数点）时拒绝整个评级解析，
// 此时 Grade 与 GradingService 为空，置信度不超过 0.3。
//
// 文本标明 raw/ungraded 或是预估说法（candidate、would grade 等）时不算评级：
// 有品相词汇按词汇估分，否则把预估分数记入 EstimatedGrade。
func (c *ConditionClassifier) Classify(title, description string) model.Condition {
	text := normalizeText(title + " " + description)

	out := model.Condition{
		Condition:           ConditionUnknown,
		SpecialDesignations: c.matchDesignations(text),
	}

	service, grade, conf, found, rejected := parseGraded(text)
	speculative := containsString(out.SpecialDesignations, "raw") || speculativePattern.MatchString(text)
	if found && speculative {
		out.Condition = LabelForGrade(grade)
		est := grade
		out.EstimatedGrade = &est
		out.Confidence = speculativeConfidence
		c.matchRaw(text, &out)
		return out
	}
	if found {
		g := grade
		s := service
		out.Condition = LabelForGrade(g)
		out.Grade = &g
		out.GradingService = &s
		out.IsGraded = true
		out.Confidence = conf
		return out
	}

	out.Confidence = unknownConfidence
	c.matchRaw(text, &out)
	if rejected && out.Confidence > rejectedConfidence {
		out.Confidence = rejectedConfidence
	}
	return out
}

// matchRaw 按词汇表第一个命中项估分。
func (c *ConditionClassifier) matchRaw(text string, out *model.Condition) {
	for _, rg := range c.raw {
		if rg.Pattern.MatchString(text) {
			est := rg.Grade
			out.EstimatedGrade = &est
			out.Condition = LabelForGrade(est)
			out.Confidence = rawConfidence
			return
		}
	}
}

func (c *ConditionClassifier) matchDesignations(text string) []string {
	out := []string{}
	for _, d := range c.designations {
		if d.Pattern.MatchString(text) {
			out = append(out, d.Name)
		}
	}
	return out
}

// parseGraded 返回第一个合法的评级写法；存在评级写法但全部不合法时 rejected 为 true。
func parseGraded(text string) (service string, grade, confidence float64, found, rejected bool) {
	for _, m := range gradedPattern.FindAllStringSubmatch(text, -1) {
		if g, ok := parseGrade(m[3]); ok {
			return strings.ToUpper(m[1]), g, gradedConfidence, true, false
		}
		rejected = true
	}
	for _, m := range gradedReversePattern.FindAllStringSubmatch(text, -1) {
		if g, ok := parseGrade(m[1]); ok {
			return strings.ToUpper(m[2]), g, reversedConfidence, true, false
		}
		rejected = true
	}
	return "", 0, 0, false, rejected
}

func parseGrade(s string) (float64, bool) {
	if !gradeNumber.MatchString(s) {
		return 0, false
	}
	g, err := strconv.ParseFloat(s, 64)
	if err != nil || g < minGrade || g > maxGrade {
		return 0, false
	}
	return g, true
}
