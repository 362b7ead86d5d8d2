package classify

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jaydubya818/comicogs-sub003/internal/config"
)

func newFacade(t *testing.T) *Facade {
	t.Helper()
	f, err := NewFacade(config.Default().Classification, nil)
	if err != nil {
		t.Fatalf("new facade: %v", err)
	}
	return f
}

func TestConditionClassifier_GradedSlab(t *testing.T) {
	c := NewConditionClassifier()
	got := c.Classify("Amazing Spider-Man #300 CGC 9.8 White Pages", "")

	if !got.IsGraded || got.Grade == nil || *got.Grade != 9.8 {
		t.Fatalf("expected graded 9.8, got %+v", got)
	}
	if got.GradingService == nil || *got.GradingService != "CGC" {
		t.Fatalf("expected CGC, got %v", got.GradingService)
	}
	if got.Condition != ConditionNearMint {
		t.Fatalf("condition = %s", got.Condition)
	}
	if len(got.SpecialDesignations) != 1 || got.SpecialDesignations[0] != "white_pages" {
		t.Fatalf("designations = %v", got.SpecialDesignations)
	}
}

func TestConditionClassifier(t *testing.T) {
	c := NewConditionClassifier()

	tests := []struct {
		title       string
		wantLabel   string
		wantGrade   float64 // 0 表示未评级
		wantService string
		wantDesig   []string
	}{
		{title: "Batman Adventures #12 CBCS 9.6", wantLabel: ConditionNearMint, wantGrade: 9.6, wantService: "CBCS"},
		{title: "Iron Man #55 CGG 8.5", wantLabel: ConditionVeryFine, wantGrade: 8.5, wantService: "CGG"},
		{title: "Spawn #1 9.8 CGC", wantLabel: ConditionNearMint, wantGrade: 9.8, wantService: "CGC"},
		{title: "Ultimate Fallout #4 CGC SS 9.8 Signed", wantLabel: ConditionNearMint, wantGrade: 9.8, wantService: "CGC", wantDesig: []string{"signature_series", "signed"}},
		{title: "Fantastic Four #48 CGC Qualified 6.5", wantLabel: ConditionFine, wantGrade: 6.5, wantService: "CGC", wantDesig: []string{"qualified"}},
		{title: "Walking Dead #1 CGC 10.0", wantLabel: ConditionGemMint, wantGrade: 10, wantService: "CGC"},
		{title: "Avengers #1 PGX 0.5", wantLabel: ConditionPoor, wantGrade: 0.5, wantService: "PGX"},
		{title: "Amazing Spider-Man #129 VF/NM", wantLabel: ConditionVeryFine},
		{title: "Uncanny X-Men #266 NM-", wantLabel: ConditionNearMint},
		{title: "Green Lantern #76 VG/FN raw", wantLabel: ConditionVeryGood, wantDesig: []string{"raw"}},
		{title: "Showcase #4 Good+", wantLabel: ConditionGood},
		{title: "Batman #1 Poor", wantLabel: ConditionPoor},
		{title: "Fantastic Four #52", wantLabel: ConditionUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got := c.Classify(tt.title, "")
			if got.Condition != tt.wantLabel {
				t.Fatalf("condition = %s, want %s", got.Condition, tt.wantLabel)
			}
			if tt.wantGrade == 0 {
				if got.IsGraded || got.Grade != nil || got.GradingService != nil {
					t.Fatalf("expected ungraded, got %+v", got)
				}
			} else {
				if !got.IsGraded || got.Grade == nil || *got.Grade != tt.wantGrade {
					t.Fatalf("grade = %v, want %v", got.Grade, tt.wantGrade)
				}
				if *got.GradingService != tt.wantService {
					t.Fatalf("service = %s, want %s", *got.GradingService, tt.wantService)
				}
			}
			if tt.wantDesig != nil && !equalStrings(got.SpecialDesignations, tt.wantDesig) {
				t.Fatalf("designations = %v, want %v", got.SpecialDesignations, tt.wantDesig)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Fatalf("confidence out of range: %v", got.Confidence)
			}
		})
	}
}

func TestConditionClassifier_RejectsInvalidGrades(t *testing.T) {
	c := NewConditionClassifier()
	for _, title := range []string{"Saga #1 CGC 9.85", "Hulk #181 CGC 12", "X-Men #1 CGC 0.3 NM", "Hulk #181 CGC 9.8.5", "Hulk #181 9.8.5 CGC"} {
		got := c.Classify(title, "")
		if got.IsGraded || got.Grade != nil || got.GradingService != nil {
			t.Errorf("%s: expected rejected grade, got %+v", title, got)
		}
		if got.Confidence > 0.3 {
			t.Errorf("%s: confidence %v should be capped at 0.3", title, got.Confidence)
		}
	}
}

func TestConditionClassifier_GradeJoinedToService(t *testing.T) {
	c := NewConditionClassifier()
	tests := []struct {
		title   string
		service string
		grade   float64
	}{
		{title: "Saga #1 CGC9.8", service: "CGC", grade: 9.8},
		{title: "Incredible Hulk #1 cgc9.6", service: "CGC", grade: 9.6},
		{title: "Batman #423 CBCS9.4 newsstand", service: "CBCS", grade: 9.4},
	}
	for _, tt := range tests {
		got := c.Classify(tt.title, "")
		if !got.IsGraded || got.Grade == nil || *got.Grade != tt.grade {
			t.Errorf("%s: grade = %v graded=%v, want %v", tt.title, got.Grade, got.IsGraded, tt.grade)
			continue
		}
		if got.GradingService == nil || *got.GradingService != tt.service {
			t.Errorf("%s: service = %v, want %s", tt.title, got.GradingService, tt.service)
		}
	}
}

func TestConditionClassifier_SpeculativeGradeIsNotGraded(t *testing.T) {
	c := NewConditionClassifier()
	tests := []struct {
		title         string
		description   string
		wantCondition string
		wantEstimate  float64
	}{
		{title: "ASM #300 raw NM, CGC 9.8 candidate", wantCondition: ConditionNearMint, wantEstimate: 9.4},
		{title: "Spawn #1 would grade CGC 9.6+", wantCondition: ConditionNearMint, wantEstimate: 9.6},
		{title: "X-Men #1 CGC 9.0 potential", wantCondition: ConditionVeryFine, wantEstimate: 9.0},
		{title: "Hulk #181", description: "ungraded, CGC 8.5 ready", wantCondition: ConditionVeryFine, wantEstimate: 8.5},
	}
	for _, tt := range tests {
		got := c.Classify(tt.title, tt.description)
		if got.IsGraded || got.Grade != nil || got.GradingService != nil {
			t.Errorf("%s: expected ungraded result, got %+v", tt.title, got)
			continue
		}
		if got.Condition != tt.wantCondition {
			t.Errorf("%s: condition = %s, want %s", tt.title, got.Condition, tt.wantCondition)
		}
		if got.EstimatedGrade == nil || *got.EstimatedGrade != tt.wantEstimate {
			t.Errorf("%s: estimated grade = %v, want %v", tt.title, got.EstimatedGrade, tt.wantEstimate)
		}
		if got.Confidence > 0.75 {
			t.Errorf("%s: confidence %v too high for an ungraded book", tt.title, got.Confidence)
		}
	}
}

func TestVariantClassifier_MultipleCovers(t *testing.T) {
	v := NewVariantClassifier(nil)
	got := v.Classify("Batman #1 Cover A and Cover B Set", "")

	if !containsString(got.EdgeCases, EdgeMultipleCovers) {
		t.Fatalf("expected multiple_covers edge case, got %v", got.EdgeCases)
	}
	if len(got.PatternsMatched) < 2 {
		t.Fatalf("expected several matched patterns, got %v", got.PatternsMatched)
	}
	if got.Type != TypeCover || got.Subtype != SubtypeMixed {
		t.Fatalf("expected cover/mixed, got %s/%s", got.Type, got.Subtype)
	}
	if got.Confidence >= 0.6 {
		t.Fatalf("conflict confidence should be lowered, got %v", got.Confidence)
	}
}

func TestVariantClassifier(t *testing.T) {
	v := NewVariantClassifier(nil)

	tests := []struct {
		title       string
		wantType    string
		wantSubtype string
		wantEdge    string
	}{
		{title: "Amazing Spider-Man #361 Newsstand", wantType: TypeEdition, wantSubtype: "newsstand"},
		{title: "Spider-Man #1 Direct Edition", wantType: TypeEdition, wantSubtype: "direct"},
		{title: "Walking Dead #1 2nd Printing", wantType: TypeEdition, wantSubtype: "second_print"},
		{title: "Invincible #1 5th Printing", wantType: TypeEdition, wantSubtype: "nth_print"},
		{title: "Amazing Fantasy #15 Facsimile Reprint", wantType: TypeEdition, wantSubtype: "facsimile"},
		{title: "King in Black #1 Cover B Virgin Variant", wantType: TypeCover, wantSubtype: "virgin"},
		{title: "Venom #3 1:100 Ratio Variant", wantType: TypeCover, wantSubtype: "ratio"},
		{title: "Batman #50 Blank Sketch Variant", wantType: TypeCover, wantSubtype: "sketch"},
		{title: "Star Wars #42 Color Misprint", wantType: TypeError, wantSubtype: "color_error"},
		{title: "Fantastic Four #1 Miscut", wantType: TypeError, wantSubtype: "printing_error"},
		{title: "Spawn #1 Direct and Newsstand Lot", wantType: TypeEdition, wantSubtype: SubtypeMixed, wantEdge: EdgeEditionConflict},
		{title: "Walking Dead #1 First Print and Second Printing", wantType: TypeEdition, wantSubtype: SubtypeMixed, wantEdge: EdgePrintingConflict},
		{title: "Spawn #1 Direct and Newsstand Cover A", wantType: TypeCover, wantSubtype: "cover_a", wantEdge: EdgeEditionConflict},
		{title: "Fantastic Four #52", wantType: TypeBase, wantSubtype: TypeBase, wantEdge: EdgeUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got := v.Classify(tt.title, "")
			if got.Type != tt.wantType || got.Subtype != tt.wantSubtype {
				t.Fatalf("got %s/%s, want %s/%s (matched %v)", got.Type, got.Subtype, tt.wantType, tt.wantSubtype, got.PatternsMatched)
			}
			if tt.wantEdge != "" && !containsString(got.EdgeCases, tt.wantEdge) {
				t.Fatalf("edge cases = %v, want %s", got.EdgeCases, tt.wantEdge)
			}
			if tt.wantEdge == EdgeUnclassified && got.Confidence >= 0.5 {
				t.Fatalf("unclassified confidence should be below 0.5, got %v", got.Confidence)
			}
			if got.Confidence < 0 || got.Confidence > 1 {
				t.Fatalf("confidence out of range: %v", got.Confidence)
			}
		})
	}
}

func TestVariantClassifier_ConflictLowersConfidence(t *testing.T) {
	v := NewVariantClassifier(nil)
	clean := v.Classify("Spawn #1 Cover A", "")
	conflicted := v.Classify("Spawn #1 Direct and Newsstand Cover A", "")
	if conflicted.Confidence >= clean.Confidence {
		t.Fatalf("conflict should lower confidence: %v vs %v", conflicted.Confidence, clean.Confidence)
	}
}

func TestFacade_ClassifyIsIdempotent(t *testing.T) {
	f := newFacade(t)
	item := Item{ID: "ebay:1", Title: "Amazing Spider-Man #300 CGC 9.8 White Pages"}

	first, _ := json.Marshal(f.Classify(item))
	second, _ := json.Marshal(f.Classify(item))
	if string(first) != string(second) {
		t.Fatalf("repeat classification differs:\n%s\n%s", first, second)
	}
}

func TestFacade_CachedResultIsolatedFromCaller(t *testing.T) {
	f := newFacade(t)
	item := Item{Title: "Batman #1 Cover A and Cover B Set CGC 9.6 Signature Series"}

	first := f.Classify(item)
	want, _ := json.Marshal(first)
	if first.ProcessingTimeMs < 0 || !strings.Contains(string(want), `"processing_time_ms"`) {
		t.Fatalf("processing time missing: %s", want)
	}

	if first.Condition.Grade == nil || first.Condition.GradingService == nil {
		t.Fatalf("expected graded condition, got %+v", first.Condition)
	}
	if len(first.Condition.SpecialDesignations) == 0 {
		t.Fatalf("expected designations, got %+v", first.Condition)
	}
	for _, s := range [][]string{first.Variant.PatternsMatched, first.Variant.EdgeCases, first.Condition.SpecialDesignations} {
		for i := range s {
			s[i] = "tampered"
		}
	}
	*first.Condition.Grade = 1.0
	*first.Condition.GradingService = "XXX"
	first.Validation.Issues = append(first.Validation.Issues[:0], "tampered")

	second := f.Classify(item)
	*second.Condition.Grade = 2.0

	third, _ := json.Marshal(f.Classify(item))
	if string(third) != string(want) {
		t.Fatalf("cached result was modified through a returned value:\n%s\n%s", want, third)
	}
	stats := f.CacheStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected cache stats: %+v", stats)
	}

	// 规范化后相同的文本命中同一缓存项，ID 跟随调用方
	other := f.Classify(Item{ID: "ebay:2", Title: "  amazing spider-man #300   CGC 9.8 white pages"})
	if other.ID != "ebay:2" || f.CacheStats().Hits != 2 {
		t.Fatalf("expected normalized cache hit with caller id, got id=%s stats=%+v", other.ID, f.CacheStats())
	}
}

func TestFacade_EmptyTitle(t *testing.T) {
	f := newFacade(t)
	res := f.Classify(Item{ID: "x", Title: "   "})
	if res.Error == "" {
		t.Fatal("expected error for empty title")
	}
}

func TestFacade_Validation(t *testing.T) {
	f := newFacade(t)

	good := f.Classify(Item{Title: "Harley Quinn #1 Cover A CGC 9.8"})
	if !good.Validation.IsValid {
		t.Fatalf("expected valid result, issues=%v", good.Validation.Issues)
	}
	want := (good.Variant.Confidence + good.Condition.Confidence) / 2
	if good.OverallConfidence != want {
		t.Fatalf("overall = %v, want %v", good.OverallConfidence, want)
	}

	weak := f.Classify(Item{Title: "Fantastic Four #52"})
	if weak.Validation.IsValid {
		t.Fatal("unclassified listing should not be valid")
	}
	for _, issue := range []string{IssueLowConfidence, IssueUnclassified, IssueUnknownCondition} {
		if !containsString(weak.Validation.Issues, issue) {
			t.Fatalf("missing issue %s in %v", issue, weak.Validation.Issues)
		}
	}
}

func TestFacade_ClassifyBatch(t *testing.T) {
	f := newFacade(t)
	items := []Item{
		{ID: "1", Title: "Venom #3 1:100 Ratio Variant CGC 9.8"},
		{ID: "2", Title: ""},
		{ID: "3", Title: "Walking Dead #1 2nd Printing NM"},
	}

	out := f.ClassifyBatch(context.Background(), items)
	if out.Summary.Successful != 2 || out.Summary.Failed != 1 {
		t.Fatalf("summary = %+v", out.Summary)
	}
	for i, r := range out.Results {
		if r.ID != items[i].ID {
			t.Fatalf("result %d out of order: %s", i, r.ID)
		}
	}
	if out.Results[0].Variant.Subtype != "ratio" || out.Results[2].Variant.Subtype != "second_print" {
		t.Fatalf("unexpected batch results: %+v", out.Results)
	}
}

func TestFacade_ClassifyBatchCancelled(t *testing.T) {
	f := newFacade(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.ClassifyBatch(ctx, []Item{{ID: "1", Title: "Spawn #1"}, {ID: "2", Title: "Spawn #2"}})
	if out.Summary.Failed != 2 {
		t.Fatalf("expected all items to fail on cancelled context, got %+v", out)
	}
}

func TestValidateAccuracy_LabeledDataset(t *testing.T) {
	dataset, err := LoadDataset()
	if err != nil {
		t.Fatalf("load dataset: %v", err)
	}
	if len(dataset) < MinDatasetSize {
		t.Fatalf("dataset has %d items, need at least %d", len(dataset), MinDatasetSize)
	}

	report := newFacade(t).ValidateAccuracy(dataset)
	if report.OverallAccuracy < 0.90 {
		t.Fatalf("overall accuracy %.3f below 0.90; mismatches: %+v", report.OverallAccuracy, report.Mismatches)
	}
	for name, c := range report.Categories {
		if c.Accuracy < 0.85 {
			t.Errorf("category %s accuracy %.3f below 0.85", name, c.Accuracy)
		}
	}
	if !report.MeetsThreshold {
		t.Fatalf("report should meet threshold: %+v", report)
	}
	for _, cat := range []string{"variant:edition", "variant:cover", "variant:error", "variant:base", "condition:graded", "condition:raw"} {
		if report.Categories[cat].Total == 0 {
			t.Errorf("dataset has no samples for %s", cat)
		}
	}
}

func TestValidateAccuracy_SmallDatasetNeverMeetsThreshold(t *testing.T) {
	dataset, _ := LoadDataset()
	report := newFacade(t).ValidateAccuracy(dataset[:10])
	if report.MeetsThreshold {
		t.Fatal("a dataset below the minimum size must not meet the threshold")
	}
}

func TestLabelForGrade(t *testing.T) {
	tests := map[float64]string{
		10: ConditionGemMint, 9.9: ConditionMint, 9.8: ConditionNearMint, 9.2: ConditionNearMint,
		9.0: ConditionVeryFine, 7.5: ConditionVeryFine, 7.0: ConditionFine, 5.5: ConditionFine,
		5.0: ConditionVeryGood, 3.5: ConditionVeryGood, 3.0: ConditionGood, 1.8: ConditionGood,
		1.5: ConditionFair, 1.0: ConditionFair, 0.5: ConditionPoor,
	}
	for g, want := range tests {
		if got := LabelForGrade(g); got != want {
			t.Errorf("LabelForGrade(%v) = %s, want %s", g, got, want)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
