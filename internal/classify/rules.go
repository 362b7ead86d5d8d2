package classify

import "regexp"

// 版本大类。
const (
	TypeEdition = "edition"
	TypeCover   = "cover"
	TypeError   = "error"
	TypeBase    = "base"
)

// 冲突时使用的子类型。
const SubtypeMixed = "mixed"

// 边界情况标记。
const (
	EdgeEditionConflict  = "edition_conflict"
	EdgePrintingConflict = "printing_conflict"
	EdgeMultipleCovers   = "multiple_covers"
	EdgeUnclassified     = "unclassified_variant"
)

// 互斥组：同组命中多个不同子类型即视为冲突。
const (
	GroupDistribution = "distribution"
	GroupPrinting     = "printing"
	GroupCoverLetter  = "cover_letter"
)

// VariantRule 一条版本识别规则。
//
// Group 为空的规则彼此独立；同一 Group 的规则互斥。
// Supersedes 中列出的规则在同时命中时不参与冲突判断。
type VariantRule struct {
	Name       string
	Pattern    *regexp.Regexp
	Type       string
	Subtype    string
	Group      string
	Confidence float64
	Supersedes []string
}

type groupInfo struct {
	Type     string
	EdgeCase string
}

var variantGroups = map[string]groupInfo{
	GroupDistribution: {Type: TypeEdition, EdgeCase: EdgeEditionConflict},
	GroupPrinting:     {Type: TypeEdition, EdgeCase: EdgePrintingConflict},
	GroupCoverLetter:  {Type: TypeCover, EdgeCase: EdgeMultipleCovers},
}

// groupOrder 决定多个组同时冲突时的优先级。
var groupOrder = []string{GroupCoverLetter, GroupPrinting, GroupDistribution}

func rx(p string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + p)
}

// DefaultVariantRules 按顺序排列，置信度相同时靠前者优先。
var DefaultVariantRules = []VariantRule{
	// 发行渠道
	{Name: "direct_edition", Pattern: rx(`\bdirect(\s+(edition|market|sales|copy))?\b`), Type: TypeEdition, Subtype: "direct", Group: GroupDistribution, Confidence: 0.8},
	{Name: "newsstand", Pattern: rx(`\bnews\s*-?\s*stand\b`), Type: TypeEdition, Subtype: "newsstand", Group: GroupDistribution, Confidence: 0.85},

	// 印次
	{Name: "first_print", Pattern: rx(`\b(1st|first)\s+print(ing)?\b`), Type: TypeEdition, Subtype: "first_print", Group: GroupPrinting, Confidence: 0.82},
	{Name: "second_print", Pattern: rx(`\b(2nd|second)\s+print(ing)?\b`), Type: TypeEdition, Subtype: "second_print", Group: GroupPrinting, Confidence: 0.9},
	{Name: "third_print", Pattern: rx(`\b(3rd|third)\s+print(ing)?\b`), Type: TypeEdition, Subtype: "third_print", Group: GroupPrinting, Confidence: 0.9},
	{Name: "nth_print", Pattern: rx(`\b([4-9]th|1[0-9]th|fourth|fifth|sixth|seventh|eighth|ninth|tenth)\s+print(ing)?\b`), Type: TypeEdition, Subtype: "nth_print", Group: GroupPrinting, Confidence: 0.88},
	{Name: "reprint", Pattern: rx(`\breprint(ed|s)?\b`), Type: TypeEdition, Subtype: "reprint", Group: GroupPrinting, Confidence: 0.8},
	{Name: "facsimile", Pattern: rx(`\bfacsimile\b`), Type: TypeEdition, Subtype: "facsimile", Group: GroupPrinting, Confidence: 0.93, Supersedes: []string{"reprint"}},

	// 封面
	{Name: "cover_a", Pattern: rx(`\b(cover|cvr)\s*a\b`), Type: TypeCover, Subtype: "cover_a", Group: GroupCoverLetter, Confidence: 0.85},
	{Name: "cover_b", Pattern: rx(`\b(cover|cvr)\s*b\b`), Type: TypeCover, Subtype: "cover_b", Group: GroupCoverLetter, Confidence: 0.85},
	{Name: "cover_c", Pattern: rx(`\b(cover|cvr)\s*c\b`), Type: TypeCover, Subtype: "cover_c", Group: GroupCoverLetter, Confidence: 0.85},
	{Name: "cover_d", Pattern: rx(`\b(cover|cvr)\s*d\b`), Type: TypeCover, Subtype: "cover_d", Group: GroupCoverLetter, Confidence: 0.85},
	{Name: "cover_set", Pattern: rx(`\b(covers?|cvrs?)\s*[a-d]\s*(&|and|/|,|\+)\s*((cover|cvr)\s*)?[a-d]\b|\bcover\s+set\b|\bset\s+of\s+\d+\s+covers?\b`), Type: TypeCover, Subtype: SubtypeMixed, Group: GroupCoverLetter, Confidence: 0.6},
	{Name: "virgin", Pattern: rx(`\bvirgin\b`), Type: TypeCover, Subtype: "virgin", Confidence: 0.9},
	{Name: "sketch", Pattern: rx(`\b(blank\s+)?sketch(\s+(cover|variant))?\b`), Type: TypeCover, Subtype: "sketch", Confidence: 0.87},
	{Name: "ratio", Pattern: rx(`\b1\s*:\s*\d{1,4}\b|\bratio\s+(variant|cover)\b|\bincentive\s+(variant|cover)\b`), Type: TypeCover, Subtype: "ratio", Confidence: 0.88},

	// 错版
	{Name: "printing_error", Pattern: rx(`\b(printing|print)\s+error\b|\bmis-?(print|cut|wrap|bound|fold)(ed|s)?\b|\bmissing\s+(ink|staples?|pages?)\b|\bupside[\s-]down\s+(cover|interior|pages?)\b|\berror\s+(copy|cover|edition)\b`), Type: TypeError, Subtype: "printing_error", Confidence: 0.9},
	{Name: "color_error", Pattern: rx(`\bcolou?r\s+(error|misprint|shift)\b|\bmissing\s+colou?rs?\b|\bwrong\s+colou?rs?\b`), Type: TypeError, Subtype: "color_error", Confidence: 0.92},
}

// GradingServices 支持的评级公司。
var GradingServices = []string{"CGC", "CBCS", "PGX", "CGG"}

// gradedPattern 评级公司 + 可选修饰词 + 分数，如 "CGC SS 9.8"、"CBCS Verified Signature 9.6"。
//
// 公司名后可直接跟分数（"CGC9.8"）；分数按完整的数字串捕获，"9.8.5" 这类写法交给 parseGrade 拒绝。
var gradedPattern = rx(`\b(cgc|cbcs|pgx|cgg)((?:\s*[-:|/,]?\s*(?:ss|signature\s+series|qualified|restored|universal|verified\s+signature|graded|grade|(?:blue|yellow|green|purple|red)\s+label))*)\s*[-:|/,]?\s*(\d+(?:\.\d+)*)\b`)

// gradedReversePattern 分数在前的写法，如 "9.8 CGC"，要求带小数。
var gradedReversePattern = rx(`(?:^|[^\d.])(\d+(?:\.\d+)+)\s*(cgc|cbcs|pgx|cgg)\b`)

// speculativePattern 对未送评商品的预估说法，如 "CGC 9.8 candidate"、"would grade 9.6"。
var speculativePattern = rx(`\b(candidates?|potential|possible|would\s+(?:likely\s+|easily\s+)?grade|could\s+grade|should\s+grade|(?:grade|slab|press)\s+ready|ready\s+(?:to|for)\s+(?:grade|grading|slab|press))\b`)

// RawGrade 未评级品相词汇及其对应的标准分值。
type RawGrade struct {
	Name    string
	Pattern *regexp.Regexp
	Grade   float64
}

// DefaultRawGrades 复合写法与加减号写法在前，按顺序取第一个命中。
var DefaultRawGrades = []RawGrade{
	{Name: "nm/m", Pattern: rx(`\b(nm\s*[/-]\s*m|near\s+mint\s*[/-]\s*mint)\b`), Grade: 9.8},
	{Name: "vf/nm", Pattern: rx(`\b(vf\s*[/-]\s*nm|very\s+fine\s*[/-]\s*near\s+mint)\b`), Grade: 9.0},
	{Name: "fn/vf", Pattern: rx(`\b(fn\s*[/-]\s*vf|fine\s*[/-]\s*very\s+fine)\b`), Grade: 7.0},
	{Name: "vg/fn", Pattern: rx(`\b(vg\s*[/-]\s*fn|very\s+good\s*[/-]\s*fine)\b`), Grade: 5.0},
	{Name: "g/vg", Pattern: rx(`\b(gd?\s*[/-]\s*vg|good\s*[/-]\s*very\s+good)\b`), Grade: 3.0},
	{Name: "fa/g", Pattern: rx(`\b((fa|fr)\s*/\s*gd?|fair\s*[/-]\s*good)\b`), Grade: 1.5},
	{Name: "gem mint", Pattern: rx(`\bgem\s+mint\b`), Grade: 10.0},
	{Name: "nm+", Pattern: rx(`\b(nm|near\s+mint)\s*\+`), Grade: 9.6},
	{Name: "nm-", Pattern: rx(`\b(nm|near\s+mint)\s*-([^a-z0-9]|$)`), Grade: 9.2},
	{Name: "nm", Pattern: rx(`\b(nm|near\s+mint)\b`), Grade: 9.4},
	{Name: "mint", Pattern: rx(`\bmint\b`), Grade: 9.9},
	{Name: "vf+", Pattern: rx(`\b(vf|very\s+fine)\s*\+`), Grade: 8.5},
	{Name: "vf-", Pattern: rx(`\b(vf|very\s+fine)\s*-([^a-z0-9]|$)`), Grade: 7.5},
	{Name: "vf", Pattern: rx(`\b(vf|very\s+fine)\b`), Grade: 8.0},
	{Name: "fn+", Pattern: rx(`\b(fn|fine)\s*\+`), Grade: 6.5},
	{Name: "fn-", Pattern: rx(`\b(fn|fine)\s*-([^a-z0-9]|$)`), Grade: 5.5},
	{Name: "fn", Pattern: rx(`\b(fn|fine)\b`), Grade: 6.0},
	{Name: "vg+", Pattern: rx(`\b(vg|very\s+good)\s*\+`), Grade: 4.5},
	{Name: "vg-", Pattern: rx(`\b(vg|very\s+good)\s*-([^a-z0-9]|$)`), Grade: 3.5},
	{Name: "vg", Pattern: rx(`\b(vg|very\s+good)\b`), Grade: 4.0},
	{Name: "good+", Pattern: rx(`\b(good|gd)\s*\+`), Grade: 2.5},
	{Name: "good-", Pattern: rx(`\b(good|gd)\s*-([^a-z0-9]|$)`), Grade: 1.8},
	{Name: "good", Pattern: rx(`\b(good|gd)\b`), Grade: 2.0},
	{Name: "fair", Pattern: rx(`\bfair\b`), Grade: 1.0},
	{Name: "poor", Pattern: rx(`\bpoor\b`), Grade: 0.5},
}

// Designation 特殊标记，与分数解析相互独立。
type Designation struct {
	Name    string
	Pattern *regexp.Regexp
}

var DefaultDesignations = []Designation{
	{Name: "raw", Pattern: rx(`\b(raw|ungraded)\b`)},
	{Name: "signature_series", Pattern: rx(`\b(ss|signature\s+series|yellow\s+label)\b`)},
	{Name: "verified_signature", Pattern: rx(`\bverified\s+signature\b|\bcbcs\s+verified\b`)},
	{Name: "signed", Pattern: rx(`\b(signed|autographed|autograph)\b`)},
	{Name: "remarked", Pattern: rx(`\bre-?mark(ed)?\b`)},
	{Name: "qualified", Pattern: rx(`\bqualified\b|\bgreen\s+label\b`)},
	{Name: "restored", Pattern: rx(`\brestor(ed|ation)\b|\bpurple\s+label\b`)},
	{Name: "pedigree", Pattern: rx(`\bpedigree\b|\bmile\s+high\b|\bchurch\s+copy\b|\bwhite\s+mountain\b|\btwin\s+cities\b`)},
	{Name: "white_pages", Pattern: rx(`\bwhite\s+pages?\b`)},
}

// 品相标签。
const (
	ConditionGemMint  = "gem_mint"
	ConditionMint     = "mint"
	ConditionNearMint = "near_mint"
	ConditionVeryFine = "very_fine"
	ConditionFine     = "fine"
	ConditionVeryGood = "very_good"
	ConditionGood     = "good"
	ConditionFair     = "fair"
	ConditionPoor     = "poor"
	ConditionUnknown  = "unknown"
)

const (
	minGrade       = 0.5
	maxGrade       = 10.0
	gradeEpsilon   = 1e-9
	gradeTolerance = 0.05
)

// LabelForGrade 按标准分值区间换算品相标签。
func LabelForGrade(g float64) string {
	switch {
	case g >= 10-gradeEpsilon:
		return ConditionGemMint
	case g >= 9.9-gradeEpsilon:
		return ConditionMint
	case g >= 9.2-gradeEpsilon:
		return ConditionNearMint
	case g >= 7.5-gradeEpsilon:
		return ConditionVeryFine
	case g >= 5.5-gradeEpsilon:
		return ConditionFine
	case g >= 3.5-gradeEpsilon:
		return ConditionVeryGood
	case g >= 1.8-gradeEpsilon:
		return ConditionGood
	case g >= 1.0-gradeEpsilon:
		return ConditionFair
	default:
		return ConditionPoor
	}
}
