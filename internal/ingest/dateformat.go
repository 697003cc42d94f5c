package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/lifelog-backend/internal/domain"
)

// Devices declare their filename timestamp convention with strftime-style
// directives, e.g. "%Y%m%d_%H%M%S". Only the directives that can appear in
// a filename stem are supported.
var layoutByDirective = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
}

// CompileDateFormat translates a strftime-style format into a Go time
// layout. Unknown directives are rejected up front so a bad /init request
// fails before any chunk lands.
func CompileDateFormat(format string) (string, error) {
	format = strings.TrimSpace(format)
	if format == "" {
		return "", fmt.Errorf("%w: empty date format", domain.ErrInvalidInput)
	}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("%w: dangling %% in date format %q", domain.ErrInvalidInput, format)
		}
		i++
		d := format[i]
		if d == '%' {
			b.WriteByte('%')
			continue
		}
		layout, ok := layoutByDirective[d]
		if !ok {
			return "", fmt.Errorf("%w: unsupported directive %%%c in date format %q", domain.ErrInvalidInput, d, format)
		}
		b.WriteString(layout)
	}
	return b.String(), nil
}

// ParseStem parses a filename stem against a compiled layout. Device
// wall-clock is treated as UTC.
func ParseStem(layout, stem string) (time.Time, error) {
	t, err := time.ParseInLocation(layout, stem, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: stem %q does not match date format", domain.ErrInvalidInput, stem)
	}
	return t, nil
}
