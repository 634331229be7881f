package subject

import (
	"errors"
	"testing"
)

func TestToKeyFromKeyInverse(t *testing.T) {
	cases := []string{
		"gbe.tasks.email-send.queue",
		"gbe.notifications.push.fanout",
		"a.b",
		"a.b.c.d.e",
	}
	for _, subj := range cases {
		key := ToKey(subj)
		back := FromKey(key)
		if back != subj {
			t.Errorf("ToKey/FromKey not inverse for %q: got key %q, back %q", subj, key, back)
		}
	}
}

func TestToKey(t *testing.T) {
	got := ToKey("gbe.tasks.email-send.queue")
	want := "gbe:tasks:email-send:queue"
	if got != want {
		t.Errorf("ToKey() = %q, want %q", got, want)
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		subj    string
		want    string
		wantErr bool
	}{
		{"gbe.tasks.email-send.queue", "tasks", false},
		{"gbe.notifications.push", "notifications", false},
		{"a.b", "b", false},
		{"single", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ExtractDomain(tt.subj)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSubject) {
				t.Errorf("ExtractDomain(%q) err = %v, want ErrInvalidSubject", tt.subj, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ExtractDomain(%q) unexpected err: %v", tt.subj, err)
		}
		if got != tt.want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", tt.subj, got, tt.want)
		}
	}
}

func TestDeadLetterSubject(t *testing.T) {
	got := DeadLetterSubject("gbe", "tasks")
	want := "gbe._deadletter.tasks"
	if got != want {
		t.Errorf("DeadLetterSubject() = %q, want %q", got, want)
	}
}
