package domain

import "github.com/dustin/go-humanize"

// FormatBytes renders b with binary units, e.g. "1.5 KiB". Negative values
// print as zero.
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}
