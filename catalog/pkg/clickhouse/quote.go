package clickhouse

import (
	"strings"
	"time"
)

// Backslash goes first so an input ending in a backslash cannot swallow the closing quote.
var stringEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `"`, `\"`)

// EscapeString backslash-escapes single and double quotes for embedding s inside a quoted
// string literal.
func EscapeString(s string) string {
	return stringEscaper.Replace(s)
}

// QuoteString returns s as a single-quoted, escaped string literal.
func QuoteString(s string) string {
	return "'" + EscapeString(s) + "'"
}

// QuoteIdentifier returns name as a backtick-quoted identifier.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(strings.ReplaceAll(name, `\`, `\\`), "`", "\\`") + "`"
}

// FormatDateTime64 renders ts as a millisecond-precision UTC DateTime64 literal.
func FormatDateTime64(ts time.Time) string {
	return "toDateTime64(" + QuoteString(ts.UTC().Format("2006-01-02 15:04:05.000")) + ", 3, 'UTC')"
}
