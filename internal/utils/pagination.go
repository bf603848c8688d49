// Package utils holds small helpers shared by the transport layer.
package utils

import "strconv"

// Page bounds for list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as an int, returning def when s is empty or malformed.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads 1-based page and page_size query values and clamps them to
// [1, ∞) and [1, MaxPageSize].
func ParsePage(pageStr, sizeStr string) (page, size int) {
	page = max(AtoiDefault(pageStr, 1), 1)
	size = min(max(AtoiDefault(sizeStr, DefaultPageSize), 1), MaxPageSize)
	return page, size
}

// TotalPages is the number of pages of the given size needed for total rows.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
