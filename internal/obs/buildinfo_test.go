package obs

import (
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetBuildKeepsSingleSeries(t *testing.T) {
	SetBuild(Build{Version: "1.0.0", Commit: "abc", GoVersion: "go1.24"})
	SetBuild(Build{Version: "1.0.1", Commit: "def", GoVersion: "go1.24"})

	if n := testutil.CollectAndCount(buildGauge); n != 1 {
		t.Fatalf("expected one build_info series, got %d", n)
	}
	if v := testutil.ToFloat64(buildGauge.WithLabelValues("1.0.1", "def", "go1.24")); v != 1 {
		t.Fatalf("build_info=%v, want 1", v)
	}
}

func TestReadBuildKeepsStampedValues(t *testing.T) {
	b := ReadBuild("2.3.4", "0123abc")
	if b.Version != "2.3.4" || b.Commit != "0123abc" {
		t.Fatalf("stamped values overwritten: %+v", b)
	}
	if b.GoVersion != runtime.Version() {
		t.Fatalf("GoVersion=%q", b.GoVersion)
	}
	if len(b.Fields()) != 3 {
		t.Fatalf("unexpected log fields %v", b.Fields())
	}
}
