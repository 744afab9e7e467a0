package protocol

import (
	"errors"
	"testing"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		wire string
		base string
		key  string
	}{
		{"chain-head-changed", "chain-head-changed", ""},
		{"account-changed/ab12", "account-changed", "ab12"},
		{"account-changed/a/b", "account-changed", "a/b"},
		{"", "", ""},
	}

	for _, tt := range tests {
		sel := ParseSelector(tt.wire)
		if sel.Base != tt.base || sel.Key != tt.key {
			t.Errorf("ParseSelector(%q) = {%q, %q}, want {%q, %q}",
				tt.wire, sel.Base, sel.Key, tt.base, tt.key)
		}
	}
}

func TestSelectorString(t *testing.T) {
	if got := Plain("txpool-ready").String(); got != "txpool-ready" {
		t.Errorf("Plain String = %q", got)
	}
	keyed := Keyed(EventAccountChangedBase, "ff00")
	if got := keyed.String(); got != "account-changed/ff00" {
		t.Errorf("Keyed String = %q", got)
	}
	if !keyed.IsKeyed() {
		t.Error("Keyed selector should report IsKeyed")
	}
	if Plain("x").IsKeyed() {
		t.Error("Plain selector should not report IsKeyed")
	}
}

func TestNormalizeAddress(t *testing.T) {
	valid := "AbCdEf0123456789aBcDeF0123456789abcdef01"

	got, err := NormalizeAddress(valid)
	if err != nil {
		t.Fatalf("NormalizeAddress(%q) error: %v", valid, err)
	}
	if got != "abcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("NormalizeAddress = %q, not lowercased", got)
	}

	prefixed, err := NormalizeAddress("0x" + valid)
	if err != nil {
		t.Fatalf("NormalizeAddress with 0x prefix error: %v", err)
	}
	if prefixed != got {
		t.Errorf("prefixed form normalized to %q, want %q", prefixed, got)
	}

	for _, bad := range []string{
		"",
		"zzzz",
		"abcdef",
		valid + "00", // too long
		"gbcdef0123456789abcdef0123456789abcdef01", // non-hex rune
	} {
		if _, err := NormalizeAddress(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("NormalizeAddress(%q) = %v, want ErrInvalidKey", bad, err)
		}
	}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"chain-state","data":{"height":4}}`))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if msg.Type != "chain-state" {
		t.Errorf("Type = %q", msg.Type)
	}

	var state struct {
		Height int `json:"height"`
	}
	if err := msg.DecodeInto(&state); err != nil {
		t.Fatalf("DecodeInto error: %v", err)
	}
	if state.Height != 4 {
		t.Errorf("Height = %d, want 4", state.Height)
	}

	if _, err := Decode([]byte(`{"data":1}`)); !errors.Is(err, ErrEmptyType) {
		t.Errorf("missing type: err = %v, want ErrEmptyType", err)
	}

	var decodeErr *DecodeError
	if _, err := Decode([]byte(`not json`)); !errors.As(err, &decodeErr) {
		t.Errorf("malformed frame: err = %v, want *DecodeError", err)
	}
}

func TestNewError(t *testing.T) {
	msg := NewError(CmdGetBalance, "no such account")
	if msg.Type != TypeError {
		t.Fatalf("Type = %q", msg.Type)
	}
	var p ErrorPayload
	if err := msg.DecodeInto(&p); err != nil {
		t.Fatal(err)
	}
	if p.Command != CmdGetBalance || p.Message != "no such account" {
		t.Errorf("payload = %+v", p)
	}
}
