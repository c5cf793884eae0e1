package coordinator

import (
	"fmt"

	"torrentctl/internal/domain"
)

func formatSpeed(bytesPerSecond int64) string {
	return domain.FormatBytes(bytesPerSecond) + "/s"
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%.2f%%", p*100)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
