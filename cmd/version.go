package cmd

// These are set by the linker at build time (-ldflags "-X ...").
var (
	buildID   = "unknown"
	buildTime = "unknown"
	buildHost = "unknown"
)

func getBuildID() string   { return buildID }
func getBuildTime() string { return buildTime }
func getBuildHost() string { return buildHost }
