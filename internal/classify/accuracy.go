package classify

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/jaydubya818/comicogs-sub003/internal/model"
)

// MinDatasetSize 准确率评估所需的最少样本数。
const MinDatasetSize = 70

//go:embed dataset/labeled.json
var labeledDataset []byte

// Expected 人工标注的期望结果。
type Expected struct {
	VariantType    string   `json:"variant_type"`
	VariantSubtype string   `json:"variant_subtype"`
	Condition      string   `json:"condition"`
	Grade          *float64 `json:"grade"`
	GradingService *string  `json:"grading_service"`
}

// LabeledItem 一条标注样本。
type LabeledItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Expected    Expected `json:"expected"`
}

// CategoryAccuracy 单个类别的统计。
type CategoryAccuracy struct {
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
}

// Mismatch 一条错分样本。
type Mismatch struct {
	Title    string `json:"title"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// AccuracyReport 准确率报告。
type AccuracyReport struct {
	Total             int                         `json:"total"`
	VariantAccuracy   float64                     `json:"variant_accuracy"`
	ConditionAccuracy float64                     `json:"condition_accuracy"`
	OverallAccuracy   float64                     `json:"overall_accuracy"`
	Categories        map[string]CategoryAccuracy `json:"categories"`
	Subtypes          map[string]CategoryAccuracy `json:"subtypes"`
	Mismatches        []Mismatch                  `json:"mismatches"`
	Threshold         float64                     `json:"threshold"`
	CategoryThreshold float64                     `json:"category_threshold"`
	MeetsThreshold    bool                        `json:"meets_threshold"`
}

// LoadDataset 返回内置标注数据集。
func LoadDataset() ([]LabeledItem, error) {
	return decodeDataset(labeledDataset)
}

// LoadDatasetFile 从文件读取标注数据集。
func LoadDatasetFile(path string) ([]LabeledItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return decodeDataset(data)
}

func decodeDataset(data []byte) ([]LabeledItem, error) {
	var items []LabeledItem
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	return items, nil
}

// ValidateAccuracy 在标注数据集上评估分类准确率。
//
// 版本按子类型判定；品相要求标签、评级公司一致且分数相差不超过 0.05。
// 总体准确率为两者均值。类别为 variant:<期望类型> 与 condition:graded|raw。
func (f *Facade) ValidateAccuracy(dataset []LabeledItem) AccuracyReport {
	report := AccuracyReport{
		Total:             len(dataset),
		Categories:        make(map[string]CategoryAccuracy),
		Subtypes:          make(map[string]CategoryAccuracy),
		Mismatches:        []Mismatch{},
		Threshold:         f.threshold,
		CategoryThreshold: f.catThresh,
	}
	if len(dataset) == 0 {
		return report
	}

	var variantOK, conditionOK int
	for _, item := range dataset {
		res := f.Classify(Item{Title: item.Title, Description: item.Description})
		exp := item.Expected

		vOK := res.Error == "" && res.Variant.Subtype == exp.VariantSubtype
		if vOK {
			variantOK++
		} else {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Title:    item.Title,
				Field:    "variant",
				Expected: exp.VariantSubtype,
				Actual:   res.Variant.Subtype,
			})
		}
		tally(report.Categories, "variant:"+exp.VariantType, vOK)
		tally(report.Subtypes, exp.VariantSubtype, vOK)

		cOK := res.Error == "" && conditionMatches(res.Condition, exp)
		if cOK {
			conditionOK++
		} else {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Title:    item.Title,
				Field:    "condition",
				Expected: describeExpected(exp),
				Actual:   describeCondition(res.Condition),
			})
		}
		group := "condition:raw"
		if exp.GradingService != nil {
			group = "condition:graded"
		}
		tally(report.Categories, group, cOK)
	}

	n := float64(len(dataset))
	report.VariantAccuracy = float64(variantOK) / n
	report.ConditionAccuracy = float64(conditionOK) / n
	report.OverallAccuracy = (report.VariantAccuracy + report.ConditionAccuracy) / 2

	report.MeetsThreshold = len(dataset) >= MinDatasetSize && report.OverallAccuracy >= f.threshold
	for name, c := range report.Categories {
		c.Accuracy = float64(c.Correct) / float64(c.Total)
		report.Categories[name] = c
		if c.Accuracy < f.catThresh {
			report.MeetsThreshold = false
		}
	}
	for name, c := range report.Subtypes {
		c.Accuracy = float64(c.Correct) / float64(c.Total)
		report.Subtypes[name] = c
	}
	sort.SliceStable(report.Mismatches, func(i, j int) bool {
		return report.Mismatches[i].Field < report.Mismatches[j].Field
	})
	return report
}

func tally(m map[string]CategoryAccuracy, key string, ok bool) {
	c := m[key]
	c.Total++
	if ok {
		c.Correct++
	}
	m[key] = c
}

func conditionMatches(got model.Condition, exp Expected) bool {
	if got.Condition != exp.Condition {
		return false
	}
	if (got.GradingService == nil) != (exp.GradingService == nil) {
		return false
	}
	if got.GradingService != nil && *got.GradingService != *exp.GradingService {
		return false
	}
	if (got.Grade == nil) != (exp.Grade == nil) {
		return false
	}
	if got.Grade != nil && math.Abs(*got.Grade-*exp.Grade) > gradeTolerance+gradeEpsilon {
		return false
	}
	return true
}

func describeExpected(e Expected) string {
	return describe(e.Condition, e.GradingService, e.Grade)
}

func describeCondition(c model.Condition) string {
	return describe(c.Condition, c.GradingService, c.Grade)
}

func describe(label string, service *string, grade *float64) string {
	if service == nil || grade == nil {
		return label
	}
	return fmt.Sprintf("%s %s %.1f", label, *service, *grade)
}
