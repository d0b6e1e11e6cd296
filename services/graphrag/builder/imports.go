// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"os"
	"path/filepath"
	"strings"
)

// resolveImport maps a relative import source to a file on disk. Bare
// module specifiers (packages) stay unresolved; IMPORT nodes persist either
// way, REFERENCES edges only for resolved targets.
//
// Resolution strips .js/.jsx/.ts/.tsx extensions before probing the
// filesystem candidates: base, base.ts, base.tsx, base/index.ts,
// base/index.tsx (plus their .js twins and .go/.py for those languages).
func resolveImport(importingFile, source string) string {
	if !strings.HasPrefix(source, ".") && !strings.HasPrefix(source, "/") {
		return ""
	}

	base := source
	for _, ext := range []string{".js", ".jsx", ".ts", ".tsx"} {
		base = strings.TrimSuffix(base, ext)
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(filepath.Dir(importingFile), base)
	}

	candidates := []string{
		base,
		base + ".ts",
		base + ".tsx",
		base + ".js",
		base + ".jsx",
		filepath.Join(base, "index.ts"),
		filepath.Join(base, "index.tsx"),
		filepath.Join(base, "index.js"),
		base + ".go",
		base + ".py",
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
