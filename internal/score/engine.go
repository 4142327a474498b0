package score

import (
	"math"

	"github.com/propscope/compliance-service/internal/domain"
)

// Result holds the computed compliance scores for one building.
type Result struct {
	Overall    float64
	ByCategory map[domain.Category]float64
}

// Compute turns a set of issues into an overall compliance score and
// per-category scores. Scores range 0.0–1.0, higher is better.
//
// The categories argument names the categories the building is tracked
// for; a tracked category with zero issues scores 1.0 and still counts
// toward the overall mean. Categories that only appear in the issue
// list are included as well. The function is pure: it performs no I/O
// and never mutates its inputs.
func Compute(issues []domain.ComplianceIssue, categories []domain.Category) Result {
	tracked := make(map[domain.Category]bool, len(categories))
	for _, c := range categories {
		tracked[c] = true
	}
	for _, issue := range issues {
		tracked[issue.Category] = true
	}

	byCategory := make(map[domain.Category]float64, len(tracked))
	if len(tracked) == 0 {
		return Result{Overall: 1.0, ByCategory: byCategory}
	}

	weightSum := make(map[domain.Category]int, len(tracked))
	count := make(map[domain.Category]int, len(tracked))
	for _, issue := range issues {
		weightSum[issue.Category] += issue.Severity.Weight()
		count[issue.Category]++
	}

	var total float64
	for category := range tracked {
		s := 1.0
		if n := count[category]; n > 0 {
			s = 1.0 - float64(weightSum[category])/float64(n*domain.SeverityCritical.Weight())
			if s < 0 {
				s = 0
			}
		}
		s = round2(s)
		byCategory[category] = s
		total += s
	}

	return Result{
		Overall:    round2(total / float64(len(tracked))),
		ByCategory: byCategory,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
