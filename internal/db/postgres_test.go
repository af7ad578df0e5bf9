package db

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// These cover the pure-Go pieces of this package — JSONB marshaling and the
// decimal.NullDecimal bridge — without a live Postgres connection. The
// pgxpool-backed methods (UpsertTrade, GetTrade, FilledBuys/Sells, ...) are
// thin query wrappers exercised against a real database in integration
// testing, not here; see DESIGN.md for why they aren't unit-mocked.

func TestMarshalUnmarshalTriggerRoundTrips(t *testing.T) {
	trig := core.Trigger{Name: "rsi_oversold", Details: map[string]string{"rsi": "28.4"}}
	raw, err := marshalTrigger(trig)
	if err != nil {
		t.Fatalf("marshalTrigger: %v", err)
	}
	got := unmarshalTrigger(raw)
	if got.Name != trig.Name || got.Details["rsi"] != "28.4" {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, trig)
	}
}

func TestUnmarshalTriggerNeverFailsOnEmptyOrBadJSON(t *testing.T) {
	if got := unmarshalTrigger(nil); got.Name != "" || len(got.Details) != 0 {
		t.Fatalf("nil input: got %+v, want zero value", got)
	}
	if got := unmarshalTrigger([]byte("not json")); got.Name != "" || len(got.Details) != 0 {
		t.Fatalf("malformed input: got %+v, want zero value", got)
	}
}

func TestMarshalWeightsDefaultsNilToEmptyObject(t *testing.T) {
	raw, err := marshalWeights(nil)
	if err != nil {
		t.Fatalf("marshalWeights: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("got %q, want {}", raw)
	}
}

func TestMarshalUnmarshalWeightsRoundTrips(t *testing.T) {
	w := map[string]float64{"rsi": 0.3, "macd": 0.25}
	raw, err := marshalWeights(w)
	if err != nil {
		t.Fatalf("marshalWeights: %v", err)
	}
	got := unmarshalWeights(raw)
	if len(got) != 2 || got["rsi"] != 0.3 || got["macd"] != 0.25 {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, w)
	}
}

func TestUnmarshalWeightsNeverFailsOnEmptyOrBadJSON(t *testing.T) {
	if got := unmarshalWeights(nil); len(got) != 0 {
		t.Fatalf("nil input: got %+v, want empty map", got)
	}
	if got := unmarshalWeights([]byte("{broken")); len(got) != 0 {
		t.Fatalf("malformed input: got %+v, want empty map", got)
	}
}

func TestToNullDecimalPtrRoundTrip(t *testing.T) {
	v := decimal.NewFromFloat(12.5)

	n := toNullDecimalPtr(&v)
	if !n.Valid || !n.Decimal.Equal(v) {
		t.Fatalf("got %+v, want valid %s", n, v)
	}
	back := fromNullDecimal(n)
	if back == nil || !back.Equal(v) {
		t.Fatalf("fromNullDecimal: got %v, want %s", back, v)
	}
}

func TestToNullDecimalPtrNilStaysInvalid(t *testing.T) {
	n := toNullDecimalPtr(nil)
	if n.Valid {
		t.Fatalf("got valid %+v, want invalid", n)
	}
	if back := fromNullDecimal(n); back != nil {
		t.Fatalf("fromNullDecimal(invalid): got %v, want nil", back)
	}
}

func TestJoinColsFormatsCommaSeparated(t *testing.T) {
	got := joinCols([]string{"a", "b", "c"})
	if got != "a, b, c" {
		t.Fatalf("got %q, want %q", got, "a, b, c")
	}
	if got := joinCols(nil); got != "" {
		t.Fatalf("empty input: got %q, want empty string", got)
	}
	if got := joinCols([]string{"only"}); got != "only" {
		t.Fatalf("single input: got %q, want %q", got, "only")
	}
}
