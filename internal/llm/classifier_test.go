package llm

import "testing"

func TestParseVerdictPlainJSON(t *testing.T) {
	v, err := ParseVerdict(`{"decision": "approve", "score": 0.92, "reasoning": "constructive question"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Decision != "approve" || v.Score != 0.92 {
		t.Fatalf("got %+v", v)
	}
}

func TestParseVerdictCodeFence(t *testing.T) {
	raw := "Here is my evaluation:\n```json\n{\"decision\": \"flag\", \"score\": 0.4}\n```\nLet me know if you need more."
	v, err := ParseVerdict(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Decision != "flag" {
		t.Fatalf("decision = %s, want flag", v.Decision)
	}
}

func TestParseVerdictScoreClamped(t *testing.T) {
	v, err := ParseVerdict(`{"decision": "reject", "score": 1.7}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Score != 1.0 {
		t.Fatalf("score = %v, want clamped to 1.0", v.Score)
	}
}

func TestParseVerdictRejectsGarbage(t *testing.T) {
	if _, err := ParseVerdict("I cannot evaluate this content."); err == nil {
		t.Fatal("prose with no JSON parsed")
	}
	if _, err := ParseVerdict(`{"decision": "maybe", "score": 0.5}`); err == nil {
		t.Fatal("unknown decision parsed")
	}
}
