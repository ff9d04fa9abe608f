package tgui

import "testing"

func TestDataRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		raw           string
		scope, action string
		payload       string
	}{
		{name: "full", raw: "fwd:int:3", scope: "fwd", action: "int", payload: "3"},
		{name: "no payload", raw: "fwd:cancel", scope: "fwd", action: "cancel"},
		{name: "telegram prefix", raw: "\ffwd:int:6", scope: "fwd", action: "int", payload: "6"},
		{name: "payload with colon", raw: "fwd:int:a:b", scope: "fwd", action: "int", payload: "a:b"},
		{name: "bare", raw: "junk", scope: "junk"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s, a, p := ParseData(tt.raw)
			if s != tt.scope || a != tt.action || p != tt.payload {
				t.Fatalf("ParseData(%q) = %q,%q,%q", tt.raw, s, a, p)
			}
		})
	}
}

func TestDataFormatting(t *testing.T) {
	t.Parallel()
	if got := Data("fwd", "int", "2"); got != "fwd:int:2" {
		t.Fatalf("Data = %q", got)
	}
	if got := Data("fwd", "cancel", ""); got != "fwd:cancel" {
		t.Fatalf("Data = %q", got)
	}
}
