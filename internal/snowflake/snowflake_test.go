package snowflake

import (
	"encoding/json"
	"testing"
)

func TestIDJSON(t *testing.T) {
	tests := []struct {
		input  string
		expect ID
	}{
		{`"175928847299117063"`, 175928847299117063},
		{`42`, 42},
		{`null`, 0},
		{`""`, 0},
	}

	for _, tt := range tests {
		var id ID
		if err := json.Unmarshal([]byte(tt.input), &id); err != nil {
			t.Fatalf("input=%s unexpected error: %v", tt.input, err)
		}
		if id != tt.expect {
			t.Errorf("input=%s expect=%d got=%d", tt.input, tt.expect, id)
		}
	}

	data, _ := json.Marshal(ID(9007199254740993))
	if string(data) != `"9007199254740993"` {
		t.Fatalf("expected quoted id, got %s", data)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("abc"); err == nil {
		t.Fatal("expected error for non numeric id")
	}
}
