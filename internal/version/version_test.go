package version

import "testing"

func TestString(t *testing.T) {
	orig := Version
	Version = "1.2.3"
	defer func() { Version = orig }()

	want := "streamsub 1.2.3 (unknown) built unknown"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := Get().Version; got != "1.2.3" {
		t.Errorf("Get().Version = %q, want 1.2.3", got)
	}
}
