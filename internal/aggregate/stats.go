package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Stats 一组价格的统计值，金额保留两位小数。
type Stats struct {
	Count  int             `json:"count"`
	Avg    decimal.Decimal `json:"avg"`
	Min    decimal.Decimal `json:"min"`
	Max    decimal.Decimal `json:"max"`
	Median decimal.Decimal `json:"median"`
}

// ComputeStats 计算均值、最小值、最大值、中位数与数量，不修改入参。
func ComputeStats(prices []decimal.Decimal) Stats {
	if len(prices) == 0 {
		return Stats{}
	}
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	sum := decimal.Zero
	for _, p := range sorted {
		sum = sum.Add(p)
	}
	n := len(sorted)

	var median decimal.Decimal
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
	}

	return Stats{
		Count:  n,
		Avg:    sum.Div(decimal.NewFromInt(int64(n))).Round(2),
		Min:    sorted[0].Round(2),
		Max:    sorted[n-1].Round(2),
		Median: median.Round(2),
	}
}
