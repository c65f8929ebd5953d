// Package bootstrap seeds and loads the workspace guidance files the
// agent reads at the start of every conversation.
package bootstrap

// Workspace file names. BOOTSTRAP.md is the one-time first-run guide;
// the agent deletes it after identity setup.
const (
	AgentsFile    = "AGENTS.md"
	BootstrapFile = "BOOTSTRAP.md"
	SoulFile      = "SOUL.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	ToolsFile     = "TOOLS.md"
	HeartbeatFile = "HEARTBEAT.md"
)
