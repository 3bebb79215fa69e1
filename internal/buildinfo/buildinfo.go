// Package buildinfo carries version data injected with -ldflags "-X".
package buildinfo

import "go.uber.org/zap"

var (
	BuildVersion string
	BuildDate    string
	BuildCommit  string
)

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// Fields returns build data as key/value pairs, "N/A" for anything unset.
func Fields() []any {
	return []any{
		"version", orNA(BuildVersion),
		"date", orNA(BuildDate),
		"commit", orNA(BuildCommit),
	}
}

func LogBuildInfo(logger *zap.SugaredLogger) {
	logger.Infow("build info", Fields()...)
}
