// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extract

import (
	"bytes"
	"path"
	"strings"
)

type kind int

const (
	kindBinary kind = iota
	kindZip
	kindTar
	kindGzip
	kindText
	kindSpreadsheet
	kindPDF
	kindImage
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
	pdfMagic  = []byte("%PDF")
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".csv": true, ".tsv": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".xml": true, ".html": true, ".log": true,
	".go": true, ".py": true, ".js": true, ".ts": true,
	".sh": true, ".sql": true, ".rs": true, ".java": true, ".c": true, ".h": true,
}

var imageExtensions = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// classify decides how an entry should be extracted. Extension wins where
// it is meaningful (xlsx is zip-framed, so the magic-number check alone
// would misroute it); content sniffing covers extensionless entries.
func classify(name string, data []byte) kind {
	ext := strings.ToLower(path.Ext(name))

	switch {
	case ext == ".xlsx":
		return kindSpreadsheet
	case ext == ".zip":
		return kindZip
	case ext == ".tar":
		return kindTar
	case ext == ".gz" || ext == ".tgz":
		return kindGzip
	case ext == ".pdf":
		return kindPDF
	}
	if _, ok := imageExtensions[ext]; ok {
		return kindImage
	}
	if textExtensions[ext] {
		return kindText
	}

	switch {
	case bytes.HasPrefix(data, zipMagic):
		return kindZip
	case bytes.HasPrefix(data, gzipMagic):
		return kindGzip
	case bytes.HasPrefix(data, pdfMagic):
		return kindPDF
	case looksLikeTar(data):
		return kindTar
	}
	return kindBinary
}

// looksLikeTar checks for the ustar magic at its fixed header offset.
func looksLikeTar(data []byte) bool {
	return len(data) > 262 && bytes.Equal(data[257:262], []byte("ustar"))
}

// mimeForImage maps a filename to its image MIME type.
func mimeForImage(name string) string {
	if mime, ok := imageExtensions[strings.ToLower(path.Ext(name))]; ok {
		return mime
	}
	return "application/octet-stream"
}
