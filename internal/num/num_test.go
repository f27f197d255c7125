package num

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCentsRoundTrip(t *testing.T) {
	t.Parallel()
	for cents := int64(1); cents <= 99; cents++ {
		got := Cents(FromCents(cents))
		if got != cents {
			t.Fatalf("round trip %d cents = %d", cents, got)
		}
	}
}

func TestComplementCents(t *testing.T) {
	t.Parallel()
	got := ComplementCents(42)
	want := decimal.RequireFromString("0.58")
	if !got.Equal(want) {
		t.Errorf("ComplementCents(42) = %s, want %s", got, want)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	d, err := Parse("0.55")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !d.Equal(decimal.RequireFromString("0.55")) {
		t.Errorf("Parse = %s, want 0.55", d)
	}
	if _, err := Parse(""); err == nil {
		t.Error("Parse(empty) should fail")
	}
	if _, err := Parse("abc"); err == nil {
		t.Error("Parse(non-numeric) should fail")
	}
}

func TestParseRoundTripPreservesValue(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"0.5", "0.001", "0.9999", "0.123456789"} {
		d, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		back, err := Parse(d.String())
		if err != nil {
			t.Fatalf("reparse: %v", err)
		}
		if !back.Equal(d) {
			t.Errorf("round trip %q: %s != %s", s, back, d)
		}
	}
}

func TestPct(t *testing.T) {
	t.Parallel()
	// 2% of 0.55 = 0.011
	got := Pct(decimal.RequireFromString("0.55"), decimal.NewFromInt(2))
	if !got.Equal(decimal.RequireFromString("0.011")) {
		t.Errorf("Pct = %s, want 0.011", got)
	}
}

func TestDivHalfEven(t *testing.T) {
	t.Parallel()
	got := DivHalfEven(One, decimal.NewFromInt(3))
	want := decimal.RequireFromString("0.33333333333333333333")
	if !got.Equal(want) {
		t.Errorf("1/3 = %s, want %s", got, want)
	}
}

func TestInUnitInterval(t *testing.T) {
	t.Parallel()
	if !InUnitInterval(decimal.RequireFromString("0.5")) {
		t.Error("0.5 should be inside (0,1)")
	}
	if InUnitInterval(Zero) || InUnitInterval(One) {
		t.Error("bounds are excluded")
	}
}
