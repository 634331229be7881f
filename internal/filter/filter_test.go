package filter

import "testing"

func TestDisabledFilterAlwaysTrue(t *testing.T) {
	f, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.Enabled() {
		t.Fatal("expected disabled filter")
	}
	if !f.EvalEnvelope(EnvelopeVars{Subject: "gbe.tasks.x"}) {
		t.Error("disabled filter should pass envelopes")
	}
	if !f.EvalRecord("gbe:tasks:1", map[string]any{"status": "pending"}) {
		t.Error("disabled filter should pass records")
	}
}

func TestEnvelopeFilterBySubject(t *testing.T) {
	f, err := New(`subject.startsWith("gbe.tasks.")`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !f.EvalEnvelope(EnvelopeVars{Subject: "gbe.tasks.email-send"}) {
		t.Error("expected match")
	}
	if f.EvalEnvelope(EnvelopeVars{Subject: "gbe.notifications.push"}) {
		t.Error("expected no match")
	}
}

func TestEnvelopeFilterByPayloadJSON(t *testing.T) {
	f, err := New(`json.status == "failed"`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !f.EvalEnvelope(EnvelopeVars{Payload: []byte(`{"status":"failed"}`)}) {
		t.Error("expected match")
	}
	if f.EvalEnvelope(EnvelopeVars{Payload: []byte(`{"status":"ok"}`)}) {
		t.Error("expected no match")
	}
}

func TestRecordFilterByField(t *testing.T) {
	f, err := New(`fields["retry_count"] > 3`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !f.EvalRecord("k", map[string]any{"retry_count": int64(5)}) {
		t.Error("expected match")
	}
	if f.EvalRecord("k", map[string]any{"retry_count": int64(1)}) {
		t.Error("expected no match")
	}
}

func TestInvalidExpressionErrors(t *testing.T) {
	if _, err := New("this is not valid cel +++"); err == nil {
		t.Fatal("expected compile error")
	}
}
