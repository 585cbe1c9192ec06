package keystroke

import (
	"strconv"
	"strings"
)

// Header is the first row of the delimited export.
const Header = "Press or Release,Key,Time"

// ToDelimitedText renders events as comma-separated rows under Header.
// Rows are newline separated with no trailing newline. Fields are not
// quoted; tokens are assumed to be comma free.
func ToDelimitedText(events []Event) string {
	var b strings.Builder
	b.Grow(len(Header) + len(events)*16)
	b.WriteString(Header)
	for _, e := range events {
		b.WriteByte('\n')
		b.WriteString(e.Direction.String())
		b.WriteByte(',')
		b.WriteString(string(e.Key))
		b.WriteByte(',')
		b.WriteString(FormatTime(e.Time))
	}
	return b.String()
}

// Rows returns events as string triples in export column order.
func Rows(events []Event) [][3]string {
	out := make([][3]string, len(events))
	for i, e := range events {
		out[i] = [3]string{e.Direction.String(), string(e.Key), FormatTime(e.Time)}
	}
	return out
}

// FormatTime renders t with the fewest digits that round-trip.
func FormatTime(t Timestamp) string {
	return strconv.FormatFloat(float64(t), 'f', -1, 64)
}
