package content

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Skeleton is the placeholder document for a file that exists nowhere yet.
func Skeleton(filePath string) string {
	title := Title(filePath)
	return fmt.Sprintf("---\ntitle: %s\ndescription: \"\"\n---\n\n# %s\n\nStart writing here.\n", title, title)
}

// Title derives a display title from a file name: "getting-started.md"
// becomes "Getting Started".
func Title(filePath string) string {
	base := path.Base(strings.ReplaceAll(filePath, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	words := strings.Fields(strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(base))
	if len(words) == 0 {
		return "Untitled"
	}
	return cases.Title(language.English).String(strings.Join(words, " "))
}
