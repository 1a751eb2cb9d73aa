package profit

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// FieldRule bounds one numeric input.
type FieldRule struct {
	Name     string
	Required bool
	Min      float64
	// Max of zero disables the upper bound.
	Max float64
	// AllowZero accepts zero even when Min is positive.
	AllowZero bool
	// WarnAbove of zero disables the warning.
	WarnAbove  float64
	MinMessage string
}

var (
	PackagingRule      = FieldRule{Name: "packagingCost", Max: 1000, AllowZero: true, WarnAbove: 100}
	PrintingRule       = FieldRule{Name: "printingCost", Max: 500, AllowZero: true, WarnAbove: 50}
	ReturnRule         = FieldRule{Name: "returnCost", Max: 2000, AllowZero: true, WarnAbove: 1000}
	LeadBatchTotalRule = FieldRule{Name: "totalCost", Required: true, Max: 100000, AllowZero: true}
	LeadCountRule      = FieldRule{
		Name:       "leadCount",
		Required:   true,
		Min:        1,
		Max:        10000,
		MinMessage: "lead count must be greater than zero",
	}
	ProductCostRule = FieldRule{Name: "productCost", Max: 50000, AllowZero: true}
)

const (
	costPerLeadWarnAbove    = 500
	operationalRevenueRatio = 0.90
)

// FieldResult is the outcome of validating one field.
type FieldResult struct {
	Field    string
	Value    float64
	Present  bool
	Errors   []*Error
	Warnings []string
}

// Valid reports whether the field passed validation.
func (r FieldResult) Valid() bool { return len(r.Errors) == 0 }

// ParseCostValue converts a loosely typed value into a float. Absent values (nil or blank
// strings) return present=false. Currency strings such as "$1,234.50" are accepted.
func ParseCostValue(raw any) (value float64, present bool, err error) {
	switch v := raw.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int8:
		return float64(v), true, nil
	case int16:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case uint:
		return float64(v), true, nil
	case uint8:
		return float64(v), true, nil
	case uint16:
		return float64(v), true, nil
	case uint32:
		return float64(v), true, nil
	case uint64:
		return float64(v), true, nil
	case *float64:
		if v == nil {
			return 0, false, nil
		}
		return *v, true, nil
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true, nil
	case json.Number:
		return parseCostString(string(v))
	case string:
		return parseCostString(v)
	default:
		return 0, true, fmt.Errorf("unsupported type %T", raw)
	}
}

func parseCostString(s string) (float64, bool, error) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return 0, false, nil
	}
	switch strings.ToLower(cleaned) {
	case "nan":
		return math.NaN(), true, nil
	case "infinity", "+infinity", "inf", "+inf":
		return math.Inf(1), true, nil
	case "-infinity", "-inf":
		return math.Inf(-1), true, nil
	}
	cleaned = strings.NewReplacer("$", "", ",", "", " ", "").Replace(cleaned)
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, true, fmt.Errorf("%q is not a number", s)
	}
	f, _ := d.Float64()
	return f, true, nil
}

// ValidateField applies rule to raw.
func ValidateField(rule FieldRule, raw any) FieldResult {
	res := FieldResult{Field: rule.Name}
	value, present, err := ParseCostValue(raw)
	res.Present = present
	if err != nil {
		res.Errors = append(res.Errors, fieldError(KindValidation, CodeInvalidType, rule.Name, raw,
			fmt.Sprintf("%s must be a number", rule.Name)))
		return res
	}
	if !present {
		if rule.Required {
			res.Errors = append(res.Errors, fieldError(KindValidation, CodeRequiredField, rule.Name, nil,
				fmt.Sprintf("%s is required", rule.Name)))
		}
		return res
	}
	if !finite(value) {
		res.Errors = append(res.Errors, fieldError(KindValidation, CodeInvalidCostRange, rule.Name, value,
			fmt.Sprintf("%s must be a finite number", rule.Name)))
		return res
	}
	if value == 0 && rule.AllowZero {
		return res
	}
	if value < rule.Min || (value == 0 && !rule.AllowZero) {
		msg := rule.MinMessage
		if msg == "" {
			if rule.Min == 0 {
				msg = fmt.Sprintf("%s cannot be negative", rule.Name)
			} else {
				msg = fmt.Sprintf("%s must be at least %v", rule.Name, rule.Min)
			}
		}
		res.Errors = append(res.Errors, fieldError(KindValidation, CodeInvalidCostRange, rule.Name, value, msg).
			with("min", rule.Min))
		return res
	}
	if rule.Max > 0 && value > rule.Max {
		res.Errors = append(res.Errors, fieldError(KindValidation, CodeInvalidCostRange, rule.Name, value,
			fmt.Sprintf("%s cannot exceed %v", rule.Name, rule.Max)).with("max", rule.Max))
		return res
	}
	res.Value = value
	if rule.WarnAbove > 0 && value > rule.WarnAbove {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s of %.2f is unusually high", rule.Name, value))
	}
	return res
}

// CostInput is a partial operational cost update. Nil fields are not supplied.
type CostInput struct {
	PackagingCost any `json:"packaging_cost,omitempty"`
	PrintingCost  any `json:"printing_cost,omitempty"`
	ReturnCost    any `json:"return_cost,omitempty"`
}

// OrderContext is the order state a cost set is validated against.
type OrderContext struct {
	Status  OrderStatus
	Revenue float64
}

// CostValidation is the outcome of validating an operational cost set.
type CostValidation struct {
	Packaging FieldResult
	Printing  FieldResult
	Return    FieldResult
	Errors    []*Error
	Warnings  []string
}

// IsValid reports whether no field or rule rejected the set.
func (v CostValidation) IsValid() bool { return len(v.Errors) == 0 }

// Err returns the most relevant rejection: business rule violations win over field errors.
func (v CostValidation) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	for _, e := range v.Errors {
		if e.Kind == KindBusinessRule {
			return e
		}
	}
	return v.Errors[0]
}

// ValidateOrderCosts validates the supplied operational costs against the order state.
func ValidateOrderCosts(input CostInput, oc OrderContext) CostValidation {
	v := CostValidation{
		Packaging: ValidateField(PackagingRule, input.PackagingCost),
		Printing:  ValidateField(PrintingRule, input.PrintingCost),
		Return:    ValidateField(ReturnRule, input.ReturnCost),
	}
	for _, f := range []FieldResult{v.Packaging, v.Printing, v.Return} {
		v.Errors = append(v.Errors, f.Errors...)
		v.Warnings = append(v.Warnings, f.Warnings...)
	}
	if v.Return.Valid() && v.Return.Value > 0 && !oc.Status.IsReturn() {
		v.Errors = append(v.Errors, fieldError(KindBusinessRule, CodeReturnCostNotAllowed, ReturnRule.Name, v.Return.Value,
			"return cost can only be set on returned orders").with("status", string(oc.Status)))
	}
	if oc.Revenue > 0 {
		operational := sumMoney(v.Packaging.Value, v.Printing.Value, v.Return.Value)
		if operational > oc.Revenue*operationalRevenueRatio {
			v.Warnings = append(v.Warnings, fmt.Sprintf(
				"operational costs %.2f exceed 90%% of order revenue %.2f", operational, oc.Revenue))
		}
	}
	return v
}

// LeadBatchValidation is the outcome of validating a lead batch.
type LeadBatchValidation struct {
	TotalCost   FieldResult
	LeadCount   FieldResult
	CostPerLead float64
	Errors      []*Error
	Warnings    []string
}

// IsValid reports whether the batch can be stored.
func (v LeadBatchValidation) IsValid() bool { return len(v.Errors) == 0 }

// Err returns the first rejection.
func (v LeadBatchValidation) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}

// ValidateLeadBatch validates the batch inputs and derives the cost per lead.
func ValidateLeadBatch(totalCost, leadCount any) LeadBatchValidation {
	v := LeadBatchValidation{
		TotalCost: ValidateField(LeadBatchTotalRule, totalCost),
		LeadCount: ValidateField(LeadCountRule, leadCount),
	}
	v.Errors = append(v.Errors, v.TotalCost.Errors...)
	v.Errors = append(v.Errors, v.LeadCount.Errors...)
	v.Warnings = append(v.Warnings, v.TotalCost.Warnings...)
	v.Warnings = append(v.Warnings, v.LeadCount.Warnings...)
	if len(v.Errors) > 0 {
		return v
	}
	if v.LeadCount.Value != math.Trunc(v.LeadCount.Value) {
		v.Errors = append(v.Errors, fieldError(KindValidation, CodeInvalidCostRange, LeadCountRule.Name,
			v.LeadCount.Value, "lead count must be a whole number"))
		return v
	}
	perLead := costPerLead(v.TotalCost.Value, int(v.LeadCount.Value))
	if !finite(perLead) {
		v.Errors = append(v.Errors, newError(KindCalculation, CodeNonFiniteResult, "cost per lead is not a finite number"))
		return v
	}
	v.CostPerLead = perLead
	if perLead > costPerLeadWarnAbove {
		v.Warnings = append(v.Warnings, fmt.Sprintf("cost per lead of %.2f is unusually high", perLead))
	}
	return v
}

func costPerLead(total float64, count int) float64 {
	if count <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(total).Div(decimal.NewFromInt(int64(count))).Round(2)
	f, _ := d.Float64()
	return f
}

// ValidateRevenueAndCosts rejects non-finite or negative combinations.
func ValidateRevenueAndCosts(revenue, totalCosts float64) error {
	if !finite(revenue, totalCosts) {
		return newError(KindCalculation, CodeNonFiniteResult, "revenue and costs must be finite").
			with("revenue", revenue).with("total_costs", totalCosts)
	}
	if revenue < 0 {
		return fieldError(KindValidation, CodeInvalidCostRange, "revenue", revenue, "revenue cannot be negative")
	}
	if totalCosts < 0 {
		return fieldError(KindValidation, CodeInvalidCostRange, "totalCosts", totalCosts, "total costs cannot be negative")
	}
	return nil
}

// SanitizeNumeric turns untrusted free-form input into a non-negative finite number.
// Unparsable, negative or non-finite values become 0.
func SanitizeNumeric(raw any) float64 {
	v, present, err := ParseCostValue(raw)
	if err != nil || !present || !finite(v) || v < 0 {
		return 0
	}
	return v
}
