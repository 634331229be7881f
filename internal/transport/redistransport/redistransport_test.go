package redistransport

import (
	"testing"

	"github.com/graybear-io/gbe-nexus/internal/transport"
)

func TestStartIDForModes(t *testing.T) {
	cases := []struct {
		sf   transport.StartFrom
		want string
	}{
		{transport.StartFrom{Mode: transport.StartLatest}, "$"},
		{transport.StartFrom{Mode: transport.StartEarliest}, "0"},
		{transport.StartFrom{Mode: transport.StartID, EntryID: "5-0"}, "5-0"},
		{transport.StartFrom{Mode: transport.StartID}, "$"},
		{transport.StartFrom{Mode: transport.StartTimestamp, TimestampMs: 1000}, "1000-0"},
	}
	for _, c := range cases {
		if got := startIDFor(c.sf); got != c.want {
			t.Errorf("startIDFor(%+v) = %q, want %q", c.sf, got, c.want)
		}
	}
}

func TestIsBusyGroup(t *testing.T) {
	if !isBusyGroup(busyGroupErr{}) {
		t.Fatal("expected BUSYGROUP error to be recognized")
	}
	if isBusyGroup(nil) {
		t.Fatal("nil error should not be BUSYGROUP")
	}
}

type busyGroupErr struct{}

func (busyGroupErr) Error() string {
	return "BUSYGROUP Consumer Group name already exists"
}
