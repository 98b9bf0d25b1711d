// Package sandbox provides the executors behind the code execution
// verifier: an in-process WebAssembly sandbox and an HTTP client for a
// remote sandbox service.
package sandbox

import (
	"fmt"
	"strconv"
	"strings"
)

// Defaults applied when a limit is left empty.
const (
	DefaultMaxCodeSize      = 1024 * 1024
	DefaultMaxOutputSize    = 1024 * 1024
	DefaultMemoryLimitPages = 256
)

// Config holds the sandbox limits as written in the config file.
type Config struct {
	MaxCodeSize      string // e.g. "1MB", "512KB"
	MaxOutputSize    string
	MemoryLimitPages uint32 // 64KiB pages
}

// Limits are the parsed, enforced limits.
type Limits struct {
	MaxCodeSize      int64
	MaxOutputSize    int64
	MemoryLimitPages uint32
}

// ParseLimits resolves cfg into byte counts, filling defaults.
func ParseLimits(cfg Config) (Limits, error) {
	l := Limits{
		MaxCodeSize:      DefaultMaxCodeSize,
		MaxOutputSize:    DefaultMaxOutputSize,
		MemoryLimitPages: DefaultMemoryLimitPages,
	}
	if cfg.MaxCodeSize != "" {
		n, err := parseFileSize(cfg.MaxCodeSize)
		if err != nil {
			return Limits{}, fmt.Errorf("sandbox: parse max_code_size %q: %w", cfg.MaxCodeSize, err)
		}
		l.MaxCodeSize = n
	}
	if cfg.MaxOutputSize != "" {
		n, err := parseFileSize(cfg.MaxOutputSize)
		if err != nil {
			return Limits{}, fmt.Errorf("sandbox: parse max_output_size %q: %w", cfg.MaxOutputSize, err)
		}
		l.MaxOutputSize = n
	}
	if cfg.MemoryLimitPages > 0 {
		l.MemoryLimitPages = cfg.MemoryLimitPages
	}
	return l, nil
}

// CheckCodeSize rejects code larger than the limit.
func (l Limits) CheckCodeSize(size int64) error {
	if l.MaxCodeSize <= 0 || size <= l.MaxCodeSize {
		return nil
	}
	return fmt.Errorf("sandbox: code size %d bytes exceeds maximum %d bytes (%s)",
		size, l.MaxCodeSize, formatFileSize(l.MaxCodeSize))
}

// parseFileSize parses a human-readable size string into bytes.
// Supported suffixes: B, KB, MB, GB, TB (case-insensitive).
func parseFileSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.suffix))
			n, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q", numStr)
			}
			return int64(n * float64(sf.multiplier)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n, nil
}

// formatFileSize formats bytes into a human-readable string.
func formatFileSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1fGB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1fMB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1fKB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
