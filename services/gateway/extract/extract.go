// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extract turns uploaded artifacts into text.
//
// Archives (zip, tar, gzip) are expanded recursively under one shared
// quota per tree; documents are decoded by type (plain text, spreadsheet
// first sheet, PDF text layer, images via a vision-capable model). Every
// per-entry failure is folded into the returned text as an inline
// diagnostic: extraction as a whole never fails.
package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// Per-tree extraction limits. One Quota instance is threaded by reference
// through an archive's full recursive expansion.
const (
	// MaxDepth is the maximum archive nesting depth.
	MaxDepth = 3

	// MaxTreeEntries is the maximum number of entries processed per tree.
	MaxTreeEntries = 200

	// MaxTreeBytes is the cumulative uncompressed byte budget per tree.
	MaxTreeBytes = 20 << 20 // 20 MiB
)

// maxCellsPerRow bounds spreadsheet serialization width.
const maxCellsPerRow = 64

// Quota tracks consumption across one archive tree. Crossing either limit
// halts further expansion in that branch; already-accumulated text is kept.
// Not safe for concurrent use; each tree gets its own instance.
type Quota struct {
	Entries int
	Bytes   int64
}

// NewQuota returns a fresh per-tree quota.
func NewQuota() *Quota { return &Quota{} }

// tryCharge consumes budget for one entry of the given size. Returns false
// without charging when either limit would be crossed.
func (q *Quota) tryCharge(size int64) bool {
	if q.Entries+1 > MaxTreeEntries || q.Bytes+size > MaxTreeBytes {
		return false
	}
	q.Entries++
	q.Bytes += size
	return true
}

// refund returns one entry's charge. Used when a vision lookup fails:
// no content was accumulated, so the entry stays exempt from the quota.
func (q *Quota) refund(size int64) {
	q.Entries--
	q.Bytes -= size
}

// VisionDescriber produces a text description of an image. Implemented by
// the capability router over a vision-capable model.
type VisionDescriber interface {
	DescribeImage(ctx context.Context, name, mime string, data []byte) (string, error)
}

// Extractor expands artifacts into text.
type Extractor struct {
	vision VisionDescriber
	logger *slog.Logger
}

// New creates an extractor. vision may be nil; image entries then yield a
// diagnostic instead of a description.
func New(vision VisionDescriber) *Extractor {
	return &Extractor{
		vision: vision,
		logger: slog.Default().With(slog.String("component", "extract")),
	}
}

// Extract expands one artifact into text under a fresh per-tree quota.
func (e *Extractor) Extract(ctx context.Context, name string, data []byte) string {
	return e.extract(ctx, name, data, 0, NewQuota())
}

// extract handles one entry at the given nesting depth, threading the
// shared tree quota.
func (e *Extractor) extract(ctx context.Context, name string, data []byte, depth int, q *Quota) string {
	if depth > MaxDepth {
		return note("%s: nesting depth %d exceeds limit %d, not expanded", name, depth, MaxDepth)
	}

	switch classify(name, data) {
	case kindZip:
		return e.extractZip(ctx, name, data, depth, q)
	case kindTar:
		return e.extractTar(ctx, name, data, depth, q)
	case kindGzip:
		return e.extractGzip(ctx, name, data, depth, q)
	case kindSpreadsheet:
		return extractSpreadsheet(name, data)
	case kindPDF:
		return extractPDF(name, data)
	case kindImage:
		text, _ := e.extractImage(ctx, name, data)
		return text
	case kindText:
		return string(data)
	default:
		return extractBinary(name, data)
	}
}

// extractZip expands a zip archive entry by entry in listing order.
func (e *Extractor) extractZip(ctx context.Context, name string, data []byte, depth int, q *Quota) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return note("%s: unreadable zip archive: %v", name, err)
	}

	var sb strings.Builder
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			section(&sb, path.Join(name, f.Name), note("%s: unreadable entry: %v", f.Name, err))
			continue
		}
		entry, err := io.ReadAll(io.LimitReader(rc, MaxTreeBytes+1))
		rc.Close()
		if err != nil {
			section(&sb, path.Join(name, f.Name), note("%s: read failed: %v", f.Name, err))
			continue
		}
		if stop := e.expandEntry(ctx, &sb, path.Join(name, f.Name), entry, depth, q); stop {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// extractTar expands a tar archive.
func (e *Extractor) extractTar(ctx context.Context, name string, data []byte, depth int, q *Quota) string {
	tr := tar.NewReader(bytes.NewReader(data))

	var sb strings.Builder
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			section(&sb, name, note("%s: unreadable tar archive: %v", name, err))
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		entry, err := io.ReadAll(io.LimitReader(tr, MaxTreeBytes+1))
		if err != nil {
			section(&sb, path.Join(name, hdr.Name), note("%s: read failed: %v", hdr.Name, err))
			continue
		}
		if stop := e.expandEntry(ctx, &sb, path.Join(name, hdr.Name), entry, depth, q); stop {
			break
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// extractGzip decompresses a single gzip stream and recurses on the inner
// artifact (which may itself be a tar archive).
func (e *Extractor) extractGzip(ctx context.Context, name string, data []byte, depth int, q *Quota) string {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return note("%s: unreadable gzip stream: %v", name, err)
	}
	inner, err := io.ReadAll(io.LimitReader(gr, MaxTreeBytes+1))
	gr.Close()
	if err != nil {
		return note("%s: decompression failed: %v", name, err)
	}

	innerName := strings.TrimSuffix(name, ".gz")
	if strings.HasSuffix(name, ".tgz") {
		innerName = strings.TrimSuffix(name, ".tgz") + ".tar"
	}

	var sb strings.Builder
	e.expandEntry(ctx, &sb, innerName, inner, depth, q)
	return strings.TrimRight(sb.String(), "\n")
}

// expandEntry charges the quota for one contained entry and appends its
// extraction. Returns true when the quota is exhausted and the caller
// must stop expanding further entries in this branch.
//
// Image entries are charged up front, before the vision call, so
// described images count against the tree quota like any other entry.
// A failed description refunds the charge.
func (e *Extractor) expandEntry(ctx context.Context, sb *strings.Builder, entryPath string, entry []byte, depth int, q *Quota) bool {
	size := int64(len(entry))
	if !q.tryCharge(size) {
		e.logger.Warn("extraction quota exhausted",
			slog.String("entry", entryPath),
			slog.Int("entries", q.Entries),
			slog.Int64("bytes", q.Bytes),
		)
		sb.WriteString(note("extraction stopped at %s: tree quota exhausted (%d entries, %d bytes consumed)",
			entryPath, q.Entries, q.Bytes))
		sb.WriteString("\n")
		return true
	}

	if classify(entryPath, entry) == kindImage {
		desc, described := e.extractImage(ctx, entryPath, entry)
		if !described {
			q.refund(size)
		}
		section(sb, entryPath, desc)
		return false
	}

	section(sb, entryPath, e.extract(ctx, entryPath, entry, depth+1, q))
	return false
}

// extractImage delegates to the vision backend. The second return is
// false when no description was produced; failures become inline
// diagnostics.
func (e *Extractor) extractImage(ctx context.Context, name string, data []byte) (string, bool) {
	if e.vision == nil {
		return note("%s: image skipped, no vision backend configured", name), false
	}
	desc, err := e.vision.DescribeImage(ctx, name, mimeForImage(name), data)
	if err != nil {
		e.logger.Warn("vision extraction failed", slog.String("name", name), slog.String("error", err.Error()))
		return note("%s: image description failed: %v", name, err), false
	}
	return desc, true
}

// extractSpreadsheet serializes the first sheet as structured rows.
func extractSpreadsheet(name string, data []byte) string {
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return note("%s: unreadable spreadsheet: %v", name, err)
	}
	defer wb.Close()

	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		return note("%s: spreadsheet has no sheets", name)
	}
	rows, err := wb.GetRows(sheets[0])
	if err != nil {
		return note("%s: failed to read sheet %q: %v", name, sheets[0], err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "sheet %q:\n", sheets[0])
	for _, row := range rows {
		if len(row) > maxCellsPerRow {
			row = row[:maxCellsPerRow]
		}
		sb.WriteString(strings.Join(row, " | "))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// extractPDF pulls the text layer out of a PDF.
func extractPDF(name string, data []byte) string {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return note("%s: unreadable pdf: %v", name, err)
	}
	textReader, err := reader.GetPlainText()
	if err != nil {
		return note("%s: pdf has no extractable text layer: %v", name, err)
	}
	text, err := io.ReadAll(textReader)
	if err != nil {
		return note("%s: pdf text extraction failed: %v", name, err)
	}
	return string(text)
}

// extractBinary is the best-effort fallback for unrecognized content.
func extractBinary(name string, data []byte) string {
	if utf8.Valid(data) && printableRatio(data) > 0.9 {
		return string(data)
	}
	return note("%s: unparsed binary content (%d bytes)", name, len(data))
}

// printableRatio estimates how much of the payload is printable text.
func printableRatio(data []byte) float64 {
	if len(data) == 0 {
		return 1
	}
	printable := 0
	for _, r := range string(data) {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 0x20 && r != utf8.RuneError) {
			printable++
		}
	}
	return float64(printable) / float64(utf8.RuneCountInString(string(data)))
}

// section appends one path-annotated block to the output.
func section(sb *strings.Builder, entryPath, text string) {
	fmt.Fprintf(sb, "--- %s ---\n%s\n\n", entryPath, text)
}

// note formats an inline extraction diagnostic.
func note(format string, args ...any) string {
	return "[extraction note: " + fmt.Sprintf(format, args...) + "]"
}
