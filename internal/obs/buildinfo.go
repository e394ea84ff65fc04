package obs

import (
	"runtime"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Build identifies the running binary.
type Build struct {
	Version   string
	Commit    string
	GoVersion string
}

var buildGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tenantry_build_info",
		Help: "Constant 1, labelled with the running build.",
	},
	[]string{"version", "commit", "go_version"},
)

// ReadBuild completes version and commit from the module build info when the
// linker did not stamp them.
func ReadBuild(version, commit string) Build {
	b := Build{Version: version, Commit: commit, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if b.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	if b.Commit == "" || b.Commit == "dev" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				b.Commit = s.Value
				break
			}
		}
	}
	return b
}

// SetBuild publishes b as the only tenantry_build_info series.
func SetBuild(b Build) {
	buildGauge.Reset()
	buildGauge.WithLabelValues(b.Version, b.Commit, b.GoVersion).Set(1)
}

// Fields renders b for structured logs.
func (b Build) Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", b.Version),
		zap.String("commit", b.Commit),
		zap.String("go_version", b.GoVersion),
	}
}
