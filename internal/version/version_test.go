package version

import "testing"

func TestInfo(t *testing.T) {
	oldV, oldSHA, oldTime := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldV, oldSHA, oldTime })

	Version, GitSHA, BuildTime = "1.2.0", "abc1234", "2026-01-02T03:04:05Z"
	want := "sparsediff-train 1.2.0 (abc1234, built 2026-01-02T03:04:05Z)"
	if got := Info("sparsediff-train"); got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}
}
