package storage

import (
	"encoding/json"
	"strings"

	"github.com/alexjbarnes/roomsync/internal/value"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// DivergenceReport renders a line diff between two materialized documents,
// one "-" or "+" line per change. It returns "" when they are equal. The
// room logs it when a resync snapshot disagrees with the optimistic view.
func DivergenceReport(before, after value.Value) string {
	if before.Equal(after) {
		return ""
	}

	a := indent(before)
	b := indent(after)

	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var sb strings.Builder

	for _, d := range diffs {
		var prefix string

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}

		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}

			sb.WriteString(prefix)
			sb.WriteString(strings.TrimRight(line, "\n"))
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

func indent(v value.Value) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return v.String()
	}

	return string(data) + "\n"
}
