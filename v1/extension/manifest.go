package extension

import "strings"

type entry struct {
	names []string
	id    string
}

// parseLine parses one manifest line. Everything after '#' is a comment.
func parseLine(line string) (entry, bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return entry{}, false
	}
	var e entry
	if i := strings.IndexByte(line, '='); i > 0 {
		e.names = splitNames(line[:i])
		line = strings.TrimSpace(line[i+1:])
	}
	if line == "" {
		return entry{}, false
	}
	e.id = line
	return e, true
}

func splitNames(s string) []string {
	var names []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}
