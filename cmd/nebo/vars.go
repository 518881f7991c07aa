package cli

// Shared CLI flags (used across multiple command files)
var (
	sessionFlag     string
	modelFlag       string
	verbose         bool
	autoApproveFlag bool
)

// Version is stamped at build time.
var Version = "dev"
