// Package fn implements the expression function library (spec component D):
// aggregations, conditionals, string, math, and date functions invoked by
// case-folded name from the evaluator.
package fn

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jnarwell/trellis/internal/kernelerr"
	"github.com/jnarwell/trellis/internal/value"
)

// Func is a function library entry. Args are already evaluated.
type Func func(args []value.Value) (value.Value, error)

// Lazy marks functions (only IF) that must control evaluation of their own
// arguments; the evaluator special-cases these rather than pre-evaluating.
var Lazy = map[string]bool{"IF": true}

var registry = map[string]Func{
	"SUM":        aggSum,
	"AVG":        aggAvg,
	"MIN":        aggMin,
	"MAX":        aggMax,
	"COUNT":      aggCount,
	"COALESCE":   fnCoalesce,
	"CONCAT":     fnConcat,
	"UPPER":      fnUpper,
	"LOWER":      fnLower,
	"TRIM":       fnTrim,
	"LENGTH":     fnLength,
	"SUBSTRING":  fnSubstring,
	"ROUND":      fnRound,
	"FLOOR":      fnFloor,
	"CEIL":       fnCeil,
	"ABS":        fnAbs,
	"SQRT":       fnSqrt,
	"POW":        fnPow,
	"NOW":        fnNow,
	"DATE_DIFF":  fnDateDiff,
	"DATE_ADD":   fnDateAdd,
}

// Lookup returns the function registered under the case-folded name.
func Lookup(name string) (Func, bool) {
	f, ok := registry[strings.ToUpper(name)]
	return f, ok
}

func mismatch(msg string) error {
	return kernelerr.New(kernelerr.TypeMismatch, msg)
}

func numList(args []value.Value, fname string) ([]float64, bool, error) {
	if len(args) != 1 {
		return nil, false, mismatch(fname + " takes exactly one list argument")
	}
	if args[0].IsNull() {
		return nil, true, nil
	}
	elems, ok := args[0].AsList()
	if !ok {
		return nil, false, mismatch(fname + " requires a list argument")
	}
	var nums []float64
	allNull := true
	for _, e := range elems {
		if e.IsNull() {
			continue
		}
		n, ok := e.AsNumber()
		if !ok {
			return nil, false, mismatch(fname + " requires a list of numbers")
		}
		allNull = false
		nums = append(nums, n)
	}
	return nums, allNull, nil
}

func aggSum(args []value.Value) (value.Value, error) {
	nums, allNull, err := numList(args, "SUM")
	if err != nil {
		return value.Null, err
	}
	if allNull {
		return value.Null, nil
	}
	var s float64
	for _, n := range nums {
		s += n
	}
	return value.Number(s), nil
}

func aggAvg(args []value.Value) (value.Value, error) {
	nums, allNull, err := numList(args, "AVG")
	if err != nil {
		return value.Null, err
	}
	if allNull || len(nums) == 0 {
		return value.Null, nil
	}
	var s float64
	for _, n := range nums {
		s += n
	}
	return value.Number(s / float64(len(nums))), nil
}

func aggMin(args []value.Value) (value.Value, error) {
	nums, allNull, err := numList(args, "MIN")
	if err != nil {
		return value.Null, err
	}
	if allNull || len(nums) == 0 {
		return value.Null, nil
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n < m {
			m = n
		}
	}
	return value.Number(m), nil
}

func aggMax(args []value.Value) (value.Value, error) {
	nums, allNull, err := numList(args, "MAX")
	if err != nil {
		return value.Null, err
	}
	if allNull || len(nums) == 0 {
		return value.Null, nil
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n > m {
			m = n
		}
	}
	return value.Number(m), nil
}

func aggCount(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null, mismatch("COUNT takes exactly one list argument")
	}
	if args[0].IsNull() {
		return value.Number(0), nil
	}
	elems, ok := args[0].AsList()
	if !ok {
		return value.Null, mismatch("COUNT requires a list argument")
	}
	count := 0
	for _, e := range elems {
		if !e.IsNull() {
			count++
		}
	}
	return value.Number(float64(count)), nil
}

func fnCoalesce(args []value.Value) (value.Value, error) {
	if len(args) == 0 {
		return value.Null, mismatch("COALESCE requires at least one argument")
	}
	for _, a := range args {
		if !a.IsNull() {
			return a, nil
		}
	}
	return value.Null, nil
}

func fnConcat(args []value.Value) (value.Value, error) {
	if len(args) == 0 {
		return value.Null, mismatch("CONCAT requires at least one argument")
	}
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(coerceText(a))
	}
	return value.Text(sb.String()), nil
}

func coerceText(v value.Value) string {
	if v.IsNull() {
		return "null"
	}
	switch v.Kind() {
	case value.KindText:
		s, _ := v.AsText()
		return s
	case value.KindNumber:
		n, _ := v.AsNumber()
		return strconv.FormatFloat(n, 'g', -1, 64)
	case value.KindBoolean:
		b, _ := v.AsBoolean()
		return strconv.FormatBool(b)
	case value.KindDatetime:
		s, _ := v.AsDatetime()
		return s
	case value.KindDuration:
		s, _ := v.AsDuration()
		return s
	case value.KindReference:
		s, _ := v.AsReference()
		return s
	default:
		return ""
	}
}

func oneText(args []value.Value, fname string) (string, bool, error) {
	if len(args) != 1 {
		return "", false, mismatch(fname + " takes exactly one text argument")
	}
	if args[0].IsNull() {
		return "", true, nil
	}
	s, ok := args[0].AsText()
	if !ok {
		return "", false, mismatch(fname + " requires a text argument")
	}
	return s, false, nil
}

func fnUpper(args []value.Value) (value.Value, error) {
	s, isNull, err := oneText(args, "UPPER")
	if err != nil || isNull {
		return value.Null, err
	}
	return value.Text(strings.ToUpper(s)), nil
}

func fnLower(args []value.Value) (value.Value, error) {
	s, isNull, err := oneText(args, "LOWER")
	if err != nil || isNull {
		return value.Null, err
	}
	return value.Text(strings.ToLower(s)), nil
}

func fnTrim(args []value.Value) (value.Value, error) {
	s, isNull, err := oneText(args, "TRIM")
	if err != nil || isNull {
		return value.Null, err
	}
	return value.Text(strings.TrimSpace(s)), nil
}

func fnLength(args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Null, mismatch("LENGTH takes exactly one argument")
	}
	if args[0].IsNull() {
		return value.Null, nil
	}
	switch args[0].Kind() {
	case value.KindText:
		s, _ := args[0].AsText()
		return value.Number(float64(len([]rune(s)))), nil
	case value.KindList:
		l, _ := args[0].AsList()
		return value.Number(float64(len(l))), nil
	default:
		return value.Null, mismatch("LENGTH requires text or list")
	}
}

func fnSubstring(args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Null, mismatch("SUBSTRING takes exactly 3 arguments")
	}
	if args[0].IsNull() || args[1].IsNull() || args[2].IsNull() {
		return value.Null, nil
	}
	s, ok := args[0].AsText()
	if !ok {
		return value.Null, mismatch("SUBSTRING requires a text first argument")
	}
	startF, ok := args[1].AsNumber()
	if !ok {
		return value.Null, mismatch("SUBSTRING requires a numeric start")
	}
	lenF, ok := args[2].AsNumber()
	if !ok {
		return value.Null, mismatch("SUBSTRING requires a numeric length")
	}
	runes := []rune(s)
	start := int(startF)
	length := int(lenF)
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		start = len(runes)
	}
	end := start + length
	if length < 0 || end > len(runes) {
		end = len(runes)
	}
	if end < start {
		end = start
	}
	return value.Text(string(runes[start:end])), nil
}

func fnRound(args []value.Value) (value.Value, error) {
	if len(args) != 1 && len(args) != 2 {
		return value.Null, mismatch("ROUND takes 1 or 2 arguments")
	}
	if args[0].IsNull() {
		return value.Null, nil
	}
	x, ok := args[0].AsNumber()
	if !ok {
		return value.Null, mismatch("ROUND requires a numeric argument")
	}
	digits := 0
	if len(args) == 2 {
		if args[1].IsNull() {
			return value.Null, nil
		}
		d, ok := args[1].AsNumber()
		if !ok {
			return value.Null, mismatch("ROUND requires a numeric precision")
		}
		digits = int(d)
	}
	mult := math.Pow(10, float64(digits))
	return value.Number(bankersRound(x*mult) / mult), nil
}

// bankersRound implements round-half-to-even, matching ROUND's documented
// "banker's rounding" contract for the fractional case.
func bankersRound(x float64) float64 {
	floor := math.Floor(x)
	diff := x - floor
	switch {
	case diff < 0.5:
		return floor
	case diff > 0.5:
		return floor + 1
	default:
		if math.Mod(floor, 2) == 0 {
			return floor
		}
		return floor + 1
	}
}

func fnFloor(args []value.Value) (value.Value, error) {
	x, isNull, err := oneNumber(args, "FLOOR")
	if err != nil || isNull {
		return value.Null, err
	}
	return value.Number(math.Floor(x)), nil
}

func fnCeil(args []value.Value) (value.Value, error) {
	x, isNull, err := oneNumber(args, "CEIL")
	if err != nil || isNull {
		return value.Null, err
	}
	return value.Number(math.Ceil(x)), nil
}

func fnAbs(args []value.Value) (value.Value, error) {
	x, isNull, err := oneNumber(args, "ABS")
	if err != nil || isNull {
		return value.Null, err
	}
	return value.Number(math.Abs(x)), nil
}

func fnSqrt(args []value.Value) (value.Value, error) {
	x, isNull, err := oneNumber(args, "SQRT")
	if err != nil || isNull {
		return value.Null, err
	}
	if x < 0 {
		return value.Null, kernelerr.New(kernelerr.DomainError, "SQRT of a negative number")
	}
	return value.Number(math.Sqrt(x)), nil
}

func oneNumber(args []value.Value, fname string) (float64, bool, error) {
	if len(args) != 1 {
		return 0, false, mismatch(fname + " takes exactly one numeric argument")
	}
	if args[0].IsNull() {
		return 0, true, nil
	}
	n, ok := args[0].AsNumber()
	if !ok {
		return 0, false, mismatch(fname + " requires a numeric argument")
	}
	return n, false, nil
}

func fnPow(args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Null, mismatch("POW takes exactly 2 arguments")
	}
	if args[0].IsNull() || args[1].IsNull() {
		return value.Null, nil
	}
	base, ok := args[0].AsNumber()
	if !ok {
		return value.Null, mismatch("POW requires numeric arguments")
	}
	exp, ok := args[1].AsNumber()
	if !ok {
		return value.Null, mismatch("POW requires numeric arguments")
	}
	return value.Number(math.Pow(base, exp)), nil
}

// nowFunc is overridable in tests so NOW() is deterministic.
var nowFunc = time.Now

func fnNow(args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Null, mismatch("NOW takes no arguments")
	}
	return value.Datetime(nowFunc().UTC().Format(time.RFC3339)), nil
}

func fnDateDiff(args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Null, mismatch("DATE_DIFF takes exactly 3 arguments")
	}
	if args[0].IsNull() || args[1].IsNull() || args[2].IsNull() {
		return value.Null, nil
	}
	a, ok := args[0].AsDatetime()
	if !ok {
		return value.Null, mismatch("DATE_DIFF requires datetime arguments")
	}
	b, ok := args[1].AsDatetime()
	if !ok {
		return value.Null, mismatch("DATE_DIFF requires datetime arguments")
	}
	unit, ok := args[2].AsText()
	if !ok {
		return value.Null, mismatch("DATE_DIFF requires a text unit")
	}
	ta, err := time.Parse(time.RFC3339, a)
	if err != nil {
		return value.Null, mismatch("DATE_DIFF requires valid ISO-8601 datetimes")
	}
	tb, err := time.Parse(time.RFC3339, b)
	if err != nil {
		return value.Null, mismatch("DATE_DIFF requires valid ISO-8601 datetimes")
	}
	d := tb.Sub(ta)
	var n int64
	switch unit {
	case "seconds":
		n = int64(d.Seconds())
	case "minutes":
		n = int64(d.Minutes())
	case "hours":
		n = int64(d.Hours())
	case "days":
		n = int64(d.Hours() / 24)
	case "months":
		n = int64(monthsBetween(ta, tb))
	case "years":
		n = int64(monthsBetween(ta, tb) / 12)
	default:
		return value.Null, mismatch("DATE_DIFF unit must be one of seconds/minutes/hours/days/months/years")
	}
	return value.Number(float64(n)), nil
}

func monthsBetween(a, b time.Time) int {
	months := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	if b.Day() < a.Day() {
		months--
	}
	return months
}

func fnDateAdd(args []value.Value) (value.Value, error) {
	if len(args) != 3 {
		return value.Null, mismatch("DATE_ADD takes exactly 3 arguments")
	}
	if args[0].IsNull() || args[1].IsNull() || args[2].IsNull() {
		return value.Null, nil
	}
	d, ok := args[0].AsDatetime()
	if !ok {
		return value.Null, mismatch("DATE_ADD requires a datetime argument")
	}
	amountF, ok := args[1].AsNumber()
	if !ok {
		return value.Null, mismatch("DATE_ADD requires a numeric amount")
	}
	unit, ok := args[2].AsText()
	if !ok {
		return value.Null, mismatch("DATE_ADD requires a text unit")
	}
	t, err := time.Parse(time.RFC3339, d)
	if err != nil {
		return value.Null, mismatch("DATE_ADD requires a valid ISO-8601 datetime")
	}
	amount := int(amountF)
	var out time.Time
	switch unit {
	case "seconds":
		out = t.Add(time.Duration(amount) * time.Second)
	case "minutes":
		out = t.Add(time.Duration(amount) * time.Minute)
	case "hours":
		out = t.Add(time.Duration(amount) * time.Hour)
	case "days":
		out = t.AddDate(0, 0, amount)
	case "months":
		out = t.AddDate(0, amount, 0)
	case "years":
		out = t.AddDate(amount, 0, 0)
	default:
		return value.Null, mismatch("DATE_ADD unit must be one of seconds/minutes/hours/days/months/years")
	}
	return value.Datetime(out.UTC().Format(time.RFC3339)), nil
}
