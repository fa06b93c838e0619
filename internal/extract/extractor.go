// Package extract recovers order metadata and line items from
// shipment-notification bodies. The parser is a greedy best-effort
// heuristic: ambiguous or malformed text degrades to fewer or no
// items, never to an error.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nhle/mailmirror/internal/model"
)

var (
	orderPattern    = regexp.MustCompile(`(?i)\bordine\s+#?([A-Z0-9][A-Z0-9-]*)`)
	trackingPattern = regexp.MustCompile(`(?i)\btracking\s*[:#]?\s*([A-Z0-9][A-Z0-9-]{3,})`)

	// quantityPattern matches "2 di 5" / "2 of 5" lines; the first
	// number is the ordered quantity.
	quantityPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(?:di|of)\s+\d+\b`)

	// chunkSeparator splits a segment on blank lines, long dash runs,
	// or runs of two or more spaces.
	chunkSeparator = regexp.MustCompile(`\n+|-{3,}|—{2,}| {2,}`)

	// skuPattern matches a short alphanumeric-only token.
	skuPattern = regexp.MustCompile(`^[A-Za-z0-9]{4,12}$`)
)

// itemMarkers introduce the line-item section of a shipment body.
// When none is present the whole text is scanned.
var itemMarkers = []string{"articoli", "items", "riepilogo"}

// variantKeywords mark a chunk as a variant descriptor.
var variantKeywords = []string{
	"colore", "color", "taglia", "size", "ml", "cm", "kg",
}

// shortTitleThreshold is the minimum length for a chunk to qualify as
// an item title without a multiplication glyph.
const shortTitleThreshold = 12

// Shipment parses normalized plain text into a ShipmentRecord. Order
// and tracking ids are first-match-wins over the whole text and absent
// when not found.
func Shipment(text string) model.ShipmentRecord {
	rec := model.ShipmentRecord{}

	if m := orderPattern.FindStringSubmatch(text); m != nil {
		rec.OrderID = m[1]
	}
	if m := trackingPattern.FindStringSubmatch(text); m != nil {
		rec.Tracking = m[1]
	}

	rec.Items = items(itemSegment(text))
	return rec
}

// itemSegment returns the portion of text following the first item
// marker phrase, or the whole text when no marker is present.
func itemSegment(text string) string {
	lower := strings.ToLower(text)
	for _, marker := range itemMarkers {
		if idx := strings.Index(lower, marker); idx >= 0 {
			return text[idx+len(marker):]
		}
	}
	return text
}

// items walks the chunked segment left to right. A chunk is a
// candidate title when it contains a multiplication glyph or is long
// enough without itself being a quantity line. The next three chunks
// are inspected for a quantity, a variant, and a SKU; an item is
// emitted only when a quantity was found.
func items(segment string) []model.LineItem {
	chunks := splitChunks(segment)

	var out []model.LineItem
	i := 0
	for i < len(chunks) {
		chunk := chunks[i]
		if !isCandidateTitle(chunk) {
			i++
			continue
		}

		item := model.LineItem{Title: chunk}
		found := false
		for j := i + 1; j <= i+3 && j < len(chunks); j++ {
			next := chunks[j]
			if !found {
				if m := quantityPattern.FindStringSubmatch(next); m != nil {
					if qty, err := strconv.Atoi(m[1]); err == nil {
						item.Quantity = qty
						found = true
						continue
					}
				}
			}
			if item.Variant == "" && isVariant(next) {
				item.Variant = next
				continue
			}
			if item.SKU == "" && skuPattern.MatchString(next) {
				item.SKU = next
			}
		}

		if found {
			out = append(out, item)
			i += 3
		} else {
			i++
		}
	}
	return out
}

// splitChunks splits a segment into trimmed non-empty chunks.
func splitChunks(segment string) []string {
	parts := chunkSeparator.Split(segment, -1)
	chunks := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks
}

// isCandidateTitle reports whether a chunk can open an item block.
func isCandidateTitle(chunk string) bool {
	if strings.ContainsRune(chunk, '×') {
		return true
	}
	return len(chunk) > shortTitleThreshold &&
		!quantityPattern.MatchString(chunk)
}

// isVariant reports whether a chunk looks like a variant descriptor:
// it contains a slash or a unit/color keyword.
func isVariant(chunk string) bool {
	if strings.ContainsRune(chunk, '/') {
		return true
	}
	lower := strings.ToLower(chunk)
	for _, kw := range variantKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
