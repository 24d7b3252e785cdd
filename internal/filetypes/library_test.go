package filetypes

import (
	"strings"
	"testing"
)

func TestLibraryEntriesHaveRequiredFields(t *testing.T) {
	for i, g := range Library {
		if g.Name == "" {
			t.Errorf("Library[%d] has empty Name", i)
		}
		if g.Description == "" {
			t.Errorf("Library[%d] (%s) has empty Description", i, g.Name)
		}
		if g.Category == "" || g.Category == CategoryAll {
			t.Errorf("Library[%d] (%s) has invalid Category %q", i, g.Name, g.Category)
		}
		if len(g.Extensions) == 0 {
			t.Errorf("Library[%d] (%s) has no Extensions", i, g.Name)
		}
		for _, ext := range g.Extensions {
			if !strings.HasPrefix(ext, ".") || ext != strings.ToLower(ext) {
				t.Errorf("Library entry %q has malformed extension %q", g.Name, ext)
			}
		}
	}
}

func TestEveryCategoryHasExtensions(t *testing.T) {
	for _, c := range GetAllCategories() {
		if len(Extensions(c)) == 0 {
			t.Errorf("Extensions(%q) is empty", c)
		}
	}
}

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in      string
		want    Category
		wantErr bool
	}{
		{"documents", CategoryDocuments, false},
		{" Media ", CategoryMedia, false},
		{"all", CategoryAll, false},
		{"videos", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseCategory(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCategory(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseCategory(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	tests := []struct {
		category Category
		path     string
		want     bool
	}{
		{CategoryDocuments, "report.DOCX", true},
		{CategoryDocuments, "dir/notes.txt", true},
		{CategoryDocuments, "photo.jpg", false},
		{CategoryImages, "photo.jpg", true},
		{CategorySpreadsheets, "budget.xlsx", true},
		{CategoryMedia, "clip.mp4", true},
		{CategoryAll, "clip.mp4", true},
		{CategoryAll, "binary.exe", false},
		{CategoryDocuments, "README", false},
	}

	for _, tt := range tests {
		if got := Matcher(tt.category)(tt.path); got != tt.want {
			t.Errorf("Matcher(%q)(%q) = %v, want %v", tt.category, tt.path, got, tt.want)
		}
	}
}

func TestAllIsUnion(t *testing.T) {
	total := 0
	for _, c := range GetAllCategories() {
		if c != CategoryAll {
			total += len(Extensions(c))
		}
	}
	if got := len(Extensions(CategoryAll)); got > total || got == 0 {
		t.Errorf("len(Extensions(all)) = %d, want between 1 and %d", got, total)
	}
}

func TestSkipDir(t *testing.T) {
	skip := SkipDir(DefaultSkipDirs)
	if !skip("node_modules") || !skip("appdata") {
		t.Error("SkipDir() should match default names case-insensitively")
	}
	if skip("Documents") {
		t.Error("SkipDir() matched Documents")
	}
}
