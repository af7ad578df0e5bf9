package db

import (
	"encoding/json"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

func marshalTrigger(t core.Trigger) ([]byte, error) {
	return json.Marshal(t)
}

// unmarshalTrigger never fails the caller: a malformed or empty trigger
// JSONB value just yields a zero-value Trigger, matching trade_records
// rows written before the trigger column existed.
func unmarshalTrigger(raw []byte) core.Trigger {
	if len(raw) == 0 {
		return core.Trigger{}
	}
	var t core.Trigger
	_ = json.Unmarshal(raw, &t)
	return t
}

func marshalWeights(w map[string]float64) ([]byte, error) {
	if w == nil {
		w = map[string]float64{}
	}
	return json.Marshal(w)
}

func unmarshalWeights(raw []byte) map[string]float64 {
	w := map[string]float64{}
	if len(raw) == 0 {
		return w
	}
	_ = json.Unmarshal(raw, &w)
	return w
}
