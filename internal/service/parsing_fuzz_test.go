package service

import (
	"encoding/json"
	"testing"
)

func FuzzDecodeRuleConfig(f *testing.F) {
	f.Add([]byte(`{"days":[1,2,3]}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`"string"`))
	f.Add([]byte(`{"nested":{"a":{"b":1}}}`))
	f.Add([]byte(``))
	f.Add([]byte(`{"days":`))

	f.Fuzz(func(t *testing.T, raw []byte) {
		config := decodeRuleConfig(json.RawMessage(raw))
		if config == nil {
			return
		}

		// Whatever decoded must round-trip as a JSON object.
		serialized, err := json.Marshal(config)
		if err != nil {
			t.Fatalf("re-marshal decoded config: %v", err)
		}
		if len(serialized) == 0 || serialized[0] != '{' {
			t.Fatalf("decoded config is not an object: %s", serialized)
		}
	})
}
