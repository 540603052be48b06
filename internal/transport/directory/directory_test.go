package directory

import (
	"testing"

	"pollcron/internal/transport"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	d := New([]transport.Destination{
		{Guild: "team", Channel: "general", ChatID: 1},
		{Guild: "team", Channel: "random", ChatID: 2},
		{Guild: "other", Channel: "general", ChatID: 3},
		{Guild: "dup", Channel: "x", ChatID: 4},
		{Guild: "dup", Channel: "x", ChatID: 5},
	})

	cases := []struct {
		guild, channel string
		want           int
	}{
		{"team", "general", 1},
		{" team ", "general", 1},
		{"team", "General", 0},
		{"missing", "general", 0},
		{"dup", "x", 2},
	}
	for _, tc := range cases {
		if got := d.Lookup(tc.guild, tc.channel); len(got) != tc.want {
			t.Errorf("Lookup(%q, %q): got %d matches, want %d", tc.guild, tc.channel, len(got), tc.want)
		}
	}
}

func TestReplace(t *testing.T) {
	t.Parallel()

	d := New(nil)
	if d.Len() != 0 || len(d.Lookup("a", "b")) != 0 {
		t.Fatal("empty directory should match nothing")
	}
	d.Replace([]transport.Destination{{Guild: "a", Channel: "b", ChatID: 9}})
	got := d.Lookup("a", "b")
	if len(got) != 1 || got[0].ChatID != 9 {
		t.Fatalf("after replace: %+v", got)
	}
}
