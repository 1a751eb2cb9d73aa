package profit

import (
	"math"

	"github.com/shopspring/decimal"
)

const moneyTolerance = 0.01

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func sumMoney(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	f, _ := total.Round(2).Float64()
	return f
}

func subMoney(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Round(2).Float64()
	return f
}

func mulMoney(a, b float64) float64 {
	f, _ := decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(b)).Round(2).Float64()
	return f
}

// margin returns net/revenue as a percentage rounded to two places, 0 for zero revenue.
func margin(net, revenue float64) float64 {
	if revenue == 0 {
		return 0
	}
	m := net / revenue * 100
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return 0
	}
	return round2(m)
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= moneyTolerance
}
