package tool

import (
	"math"
	"testing"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	cases := map[string]float64{
		"2 + 3 * (4 - 1)":         11,
		"-2^2":                    -4,
		"2^3^2":                   512,
		"10 % 4":                  2,
		"2 * -3":                  -6,
		"1503 / 3.5":              1503 / 3.5,
		"ceil(2500 / 1503)":       2,
		"max(1, 7, 3) - min(4,2)": 5,
		"sqrt(16) + abs(-1)":      5,
		"round(2 * pi)":           6,
	}
	for expr, want := range cases {
		got, err := Evaluate(expr)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", expr, err)
		}
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("%q: got %v want %v", expr, got, want)
		}
	}
}

func TestEvaluateErrors(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"2 + abc",
		"1 / 0",
		"(1 + 2",
		"1 + 2)",
		"sqrt(-1)",
		"max()",
		"1..2",
		"2 $ 3",
	} {
		if _, err := Evaluate(expr); err == nil {
			t.Fatalf("%q: expected error", expr)
		}
	}
}
