// Package filetypes provides the extension categories used by the disk backup flow.
package filetypes

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Category selects a family of file extensions.
type Category string

const (
	CategoryDocuments     Category = "documents"
	CategorySpreadsheets  Category = "spreadsheets"
	CategoryPresentations Category = "presentations"
	CategoryImages        Category = "images"
	CategoryMedia         Category = "media"
	CategoryArchives      Category = "archives"
	CategoryCode          Category = "code"
	CategoryNotes         Category = "notes"
	// CategoryAll matches every extension in the library.
	CategoryAll Category = "all"
)

// Group is a named set of extensions within a category.
type Group struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Extensions  []string `json:"extensions"`
}

// Library contains all built-in extension groups. Extensions are lower case
// and carry the leading dot.
var Library = []Group{
	{
		Name:        "Word processing",
		Description: "Word, OpenDocument and rich text documents",
		Category:    CategoryDocuments,
		Extensions:  []string{".doc", ".docx", ".docm", ".odt", ".rtf", ".wps"},
	},
	{
		Name:        "Portable documents",
		Description: "PDF and e-book formats",
		Category:    CategoryDocuments,
		Extensions:  []string{".pdf", ".epub", ".xps"},
	},
	{
		Name:        "Plain text",
		Description: "Text and markup documents",
		Category:    CategoryDocuments,
		Extensions:  []string{".txt", ".md", ".tex", ".csv"},
	},
	{
		Name:        "Spreadsheets",
		Description: "Excel, OpenDocument and Numbers spreadsheets",
		Category:    CategorySpreadsheets,
		Extensions:  []string{".xls", ".xlsx", ".xlsm", ".xlsb", ".ods", ".numbers", ".et"},
	},
	{
		Name:        "Presentations",
		Description: "PowerPoint, OpenDocument and Keynote slides",
		Category:    CategoryPresentations,
		Extensions:  []string{".ppt", ".pptx", ".pptm", ".odp", ".key", ".dps"},
	},
	{
		Name:        "Raster images",
		Description: "Photos and screenshots",
		Category:    CategoryImages,
		Extensions:  []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".heic", ".tif", ".tiff"},
	},
	{
		Name:        "Design files",
		Description: "Vector and layered image sources",
		Category:    CategoryImages,
		Extensions:  []string{".svg", ".psd", ".ai", ".xcf"},
	},
	{
		Name:        "Audio",
		Description: "Audio recordings and music",
		Category:    CategoryMedia,
		Extensions:  []string{".mp3", ".wav", ".flac", ".m4a", ".aac", ".ogg"},
	},
	{
		Name:        "Video",
		Description: "Video recordings",
		Category:    CategoryMedia,
		Extensions:  []string{".mp4", ".mov", ".mkv", ".avi", ".wmv", ".webm"},
	},
	{
		Name:        "Archives",
		Description: "Compressed containers",
		Category:    CategoryArchives,
		Extensions:  []string{".zip", ".7z", ".rar", ".tar", ".gz", ".tgz", ".bz2", ".xz"},
	},
	{
		Name:        "Source code",
		Description: "Common programming language sources",
		Category:    CategoryCode,
		Extensions: []string{
			".go", ".py", ".js", ".ts", ".java", ".c", ".h", ".cpp", ".cs", ".rs",
			".rb", ".php", ".sh", ".ps1", ".bat", ".sql",
		},
	},
	{
		Name:        "Config files",
		Description: "Structured configuration",
		Category:    CategoryCode,
		Extensions:  []string{".json", ".yaml", ".yml", ".toml", ".ini", ".xml"},
	},
	{
		Name:        "Notes",
		Description: "Note-taking application stores",
		Category:    CategoryNotes,
		Extensions:  []string{".one", ".enex", ".sqlite", ".note"},
	},
}

// DefaultSkipDirs are directory names the disk flow never descends into.
var DefaultSkipDirs = []string{
	"$RECYCLE.BIN",
	"System Volume Information",
	".Trash",
	".Trashes",
	".git",
	".svn",
	"node_modules",
	"__pycache__",
	".venv",
	"venv",
	".cache",
	".gradle",
	".m2",
	".npm",
	"AppData",
	"Library",
}

// GetAllCategories returns all categories, including CategoryAll.
func GetAllCategories() []Category {
	return []Category{
		CategoryDocuments,
		CategorySpreadsheets,
		CategoryPresentations,
		CategoryImages,
		CategoryMedia,
		CategoryArchives,
		CategoryCode,
		CategoryNotes,
		CategoryAll,
	}
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range GetAllCategories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown file category %q", s)
}

// GetGroupsByCategory returns all groups for a category.
func GetGroupsByCategory(category Category) []Group {
	var result []Group
	for _, g := range Library {
		if category == CategoryAll || g.Category == category {
			result = append(result, g)
		}
	}
	return result
}

// Extensions returns the sorted, de-duplicated extensions for a category.
func Extensions(category Category) []string {
	seen := make(map[string]bool)
	var result []string
	for _, g := range GetGroupsByCategory(category) {
		for _, ext := range g.Extensions {
			if !seen[ext] {
				seen[ext] = true
				result = append(result, ext)
			}
		}
	}
	sort.Strings(result)
	return result
}

// Matcher returns a predicate reporting whether a path has an extension in
// the category. Matching is case-insensitive.
func Matcher(category Category) func(path string) bool {
	set := make(map[string]bool)
	for _, ext := range Extensions(category) {
		set[ext] = true
	}
	return func(path string) bool {
		return set[strings.ToLower(filepath.Ext(path))]
	}
}

// SkipDir returns a predicate over directory names backed by names.
func SkipDir(names []string) func(name string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return func(name string) bool {
		return set[strings.ToLower(name)]
	}
}
