package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Named defaults used when auto-detection finds nothing or fails.
var (
	DefaultDesktopPath     = "Desktop"
	DefaultStickyNotesPath = filepath.Join("AppData", "Local", "Packages",
		"Microsoft.MicrosoftStickyNotes_8wekyb3d8bbwe", "LocalState", "plum.sqlite")
)

// desktopCandidates are checked in order, relative to the home directory.
var desktopCandidates = []string{
	"Desktop",
	"桌面",
	filepath.Join("OneDrive", "Desktop"),
	filepath.Join("OneDrive", "桌面"),
}

// historyFiles are shell and REPL history files, relative to the home directory.
var historyFiles = []string{
	".python_history",
	".node_repl_history",
	".bash_history",
	".zsh_history",
	filepath.Join("AppData", "Roaming", "Microsoft", "Windows", "PowerShell", "PSReadLine", "ConsoleHost_history.txt"),
	filepath.Join("AppData", "Roaming", "Microsoft", "PowerShell", "PSReadLine", "ConsoleHost_history.txt"),
}

// ResolveKnownPaths returns the relative paths under home that make up the
// specified-files backup. A non-empty overrides list is returned as is.
// Detection never fails: each lookup falls back to its named default.
func ResolveKnownPaths(home string, overrides []string) []string {
	if len(overrides) > 0 {
		return append([]string(nil), overrides...)
	}

	paths := []string{
		ResolveDesktop(home),
		ResolveStickyNotes(home),
	}
	return append(paths, historyFiles...)
}

// ResolveDesktop returns the first existing desktop candidate relative to
// home, or DefaultDesktopPath.
func ResolveDesktop(home string) string {
	for _, candidate := range desktopCandidates {
		info, err := os.Stat(filepath.Join(home, candidate))
		if err == nil && info.IsDir() {
			return candidate
		}
	}
	return DefaultDesktopPath
}

// ResolveStickyNotes scans the per-user package directory for a Sticky Notes
// package holding plum.sqlite. Any lookup failure yields DefaultStickyNotesPath.
func ResolveStickyNotes(home string) string {
	packagesDir := filepath.Join(home, "AppData", "Local", "Packages")
	entries, err := os.ReadDir(packagesDir)
	if err != nil {
		return DefaultStickyNotesPath
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.Contains(e.Name(), "StickyNotes") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		rel := filepath.Join("AppData", "Local", "Packages", name, "LocalState", "plum.sqlite")
		if _, err := os.Stat(filepath.Join(home, rel)); err == nil {
			return rel
		}
	}
	return DefaultStickyNotesPath
}

// SourcePaths returns the configured source list for the specified-files flow.
func (c *Config) SourcePaths(home string) []string {
	paths := ResolveKnownPaths(home, c.Sources.Paths)
	return append(paths, c.Sources.Extra...)
}
