package mapper

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseChannelConf returns the section names of a dvb channel.conf in file
// order. Keys inside sections are ignored; duplicate sections are reported
// once.
func ParseChannelConf(r io.Reader) ([]string, error) {
	var names []string
	seen := make(map[string]bool)

	sc := bufio.NewScanner(r)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' || line[0] != '[' {
			continue
		}
		if !strings.HasSuffix(line, "]") {
			return nil, fmt.Errorf("channel.conf line %d: unterminated section %q", lineNo, line)
		}
		name := strings.TrimSpace(line[1 : len(line)-1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read channel.conf: %w", err)
	}
	return names, nil
}

// Candidates looks search up in names. An exact match is returned alone with
// exact set. Otherwise every name sharing the first four letters of search,
// compared case-insensitively, is returned in order.
func Candidates(names []string, search string) (matches []string, exact bool) {
	for _, n := range names {
		if n == search {
			return []string{n}, true
		}
	}
	prefix := prefix4(search)
	if prefix == "" {
		return nil, false
	}
	for _, n := range names {
		if prefix4(n) == prefix {
			matches = append(matches, n)
		}
	}
	return matches, false
}

func prefix4(s string) string {
	r := []rune(strings.ToLower(s))
	if len(r) > 4 {
		r = r[:4]
	}
	return string(r)
}
