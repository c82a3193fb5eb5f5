package execbackend

import (
	"fmt"
	"strconv"
	"strings"
)

// parseMemoryLimit parses pm2-style memory ceilings ("512M", "1G", or a
// bare byte count) into bytes.
func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}
	unit := int64(1)
	switch suffix := s[len(s)-1]; suffix {
	case 'K', 'k':
		unit = 1 << 10
		s = s[:len(s)-1]
	case 'M', 'm':
		unit = 1 << 20
		s = s[:len(s)-1]
	case 'G', 'g':
		unit = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory limit %q: %w", s, err)
	}
	return int64(n * float64(unit)), nil
}
