package exclude

// DefaultPatterns is the general-purpose exclusion list for home directory content.
var DefaultPatterns = []string{
	// caches
	"**/.cache/*",
	"**/Cache/*",
	"**/cache/*",
	"**/.thumbnails/*",
	// lock and pid files
	"**/*.lock",
	"**/*.pid",
	// temporary files
	"**/*.tmp",
	"**/*.temp",
	"**/tmp/*",
	// browsers
	"**/.mozilla/firefox/*/cache2/*",
	"**/.config/google-chrome/*/Cache/*",
	"**/.config/chromium/*/Cache/*",
	"**/.config/Code/Cache/*",
	"**/.config/Code/CachedData/*",
	// development
	"**/node_modules/*",
	"**/.npm/*",
	"**/.cargo/registry/*",
	"**/.rustup/toolchains/*",
	"**/__pycache__/*",
	"**/.venv/*",
	"**/venv/*",
	"**/.gradle/*",
	"**/.m2/*",
	"**/build/*",
	"**/dist/*",
	"**/target/*",
	"**/*.log",
	"**/.local/share/Trash/*",
}

// ConfigDefaultPatterns is always applied in front of user patterns when collecting ~/.config.
var ConfigDefaultPatterns = []string{
	"**/.cache/*",
	"**/Cache/*",
	"**/cache/*",
	"**/*.lock",
	"**/*.pid",
	"**/chromium/*",
	"**/google-chrome/*",
	"**/Code/Cache/*",
	"**/Code/CachedData/*",
	"**/Code/logs/*",
	"**/.vscode/extensions/*",
	"**/discord/Cache/*",
	"**/slack/Cache/*",
}
