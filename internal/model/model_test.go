package model

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDiffScriptMarshalsToWireShape(t *testing.T) {
	script := DiffScript{
		{Kind: OpEq, N: 1},
		{Kind: OpDel, N: 1},
		{Kind: OpIns, Ins: []string{"B"}},
		{Kind: OpEq, N: 1},
	}
	raw, err := json.Marshal(script)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `[{"eq":1},{"del":1},{"ins":["B"]},{"eq":1}]`
	if string(raw) != want {
		t.Fatalf("Marshal(script) = %s, want %s", raw, want)
	}
}

func TestDiffScriptRoundTripsThroughJSON(t *testing.T) {
	script := DiffScript{
		{Kind: OpEq, N: 1},
		{Kind: OpDel, N: 1},
		{Kind: OpIns, Ins: []string{"B"}},
		{Kind: OpEq, N: 1},
	}
	raw, err := json.Marshal(script)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got DiffScript
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(script, got) {
		t.Fatalf("round trip = %+v, want %+v", got, script)
	}
}

func TestDiffOpUnmarshalsEachKind(t *testing.T) {
	cases := []struct {
		wire string
		want DiffOp
	}{
		{`{"eq":3}`, DiffOp{Kind: OpEq, N: 3}},
		{`{"del":2}`, DiffOp{Kind: OpDel, N: 2}},
		{`{"ins":["x","y"]}`, DiffOp{Kind: OpIns, Ins: []string{"x", "y"}}},
	}
	for _, c := range cases {
		var got DiffOp
		if err := json.Unmarshal([]byte(c.wire), &got); err != nil {
			t.Fatalf("Unmarshal(%s): %v", c.wire, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Unmarshal(%s) = %+v, want %+v", c.wire, got, c.want)
		}
	}
}

func TestDiffOpUnmarshalRejectsEmptyObject(t *testing.T) {
	var got DiffOp
	if err := json.Unmarshal([]byte(`{}`), &got); err == nil {
		t.Fatalf("expected an error unmarshaling an empty diff op")
	}
}

func TestPushEventDiffFieldRoundTrips(t *testing.T) {
	oldHash := "abc123"
	ev := PushEvent{
		RelativePath: "notes/x.md",
		Action:       ActionSave,
		OldHash:      &oldHash,
		Diff: &DiffScript{
			{Kind: OpEq, N: 1},
			{Kind: OpDel, N: 1},
			{Kind: OpIns, Ins: []string{"B"}},
			{Kind: OpEq, N: 1},
		},
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got PushEvent
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(ev, got) {
		t.Fatalf("round trip = %+v, want %+v", got, ev)
	}
}
