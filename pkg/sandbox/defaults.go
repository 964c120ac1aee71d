package sandbox

import (
	"embed"
	"sort"
	"strings"

	"github.com/kristerhedfors/funcall/pkg/registry"
	"github.com/kristerhedfors/funcall/pkg/schema"
)

// DefaultCollectionID groups the bundled default functions.
const DefaultCollectionID = "builtin"

// The default function sources ship inside the binary. A user-registered
// definition with the same name shadows the bundled one at resolution time.
//
//go:embed defaults/*.js
var defaultsFS embed.FS

// DefaultDefinitions parses the embedded default function sources into
// definitions, sorted by name. The embedded sources are vetted at build time,
// so a file that fails schema generation is simply skipped.
func DefaultDefinitions() []registry.Definition {
	entries, err := defaultsFS.ReadDir("defaults")
	if err != nil {
		return nil
	}

	var defs []registry.Definition
	for _, entry := range entries {
		raw, err := defaultsFS.ReadFile("defaults/" + entry.Name())
		if err != nil {
			continue
		}
		source := string(raw)
		sch := schema.Generate(source)
		if sch == nil {
			continue
		}
		sig, ok := schema.ParseSignature(source)
		if !ok {
			continue
		}
		defs = append(defs, registry.Definition{
			Name:         sch.Name,
			Source:       strings.TrimSpace(source),
			Language:     schema.LangJavaScript,
			Schema:       sch,
			CollectionID: DefaultCollectionID,
			DeclaredName: sig.Name,
			Async:        sig.Async,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
