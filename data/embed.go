// Package data holds embedded assets (the curated model catalog) at repo root data/ for clarity.
package data

import _ "embed"

//go:embed catalog.json
var CatalogJSON []byte
