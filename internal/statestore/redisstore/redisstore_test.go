package redisstore

import (
	"strings"
	"testing"
)

func TestCASScriptHashFieldConditionally(t *testing.T) {
	if !strings.Contains(casScriptSrc, "HGET") || !strings.Contains(casScriptSrc, "HSET") {
		t.Fatalf("CAS script missing expected Redis commands: %q", casScriptSrc)
	}
	if !strings.Contains(casScriptSrc, "ARGV[2]") {
		t.Fatalf("CAS script does not compare against the expected-value argument: %q", casScriptSrc)
	}
	if casScript.Hash() == "" {
		t.Fatal("expected non-empty script hash")
	}
}

func TestToBytesMapRoundTrip(t *testing.T) {
	in := map[string]string{"state": "pending", "retry_count": "0"}
	out := toBytesMap(in)
	if string(out["state"]) != "pending" || string(out["retry_count"]) != "0" {
		t.Errorf("toBytesMap = %+v, want matching string conversions of %+v", out, in)
	}
}

func TestToAnyMapPreservesBytes(t *testing.T) {
	in := map[string][]byte{"state": []byte("claimed")}
	out := toAnyMap(in)
	v, ok := out["state"].([]byte)
	if !ok || string(v) != "claimed" {
		t.Errorf("toAnyMap[state] = %v, want []byte(\"claimed\")", out["state"])
	}
}
