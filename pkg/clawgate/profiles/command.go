package profiles

import (
	"fmt"
	"path"
	"strings"
)

// checkCommandLine verifies every program a shell command line would run
// is on the allowlist. The line is split into segments on ";", "&", "|",
// "&&", "||" and newlines outside quotes; the first word of each segment,
// after leading VAR=value assignments, must be allowed. Command and process
// substitution are rejected unless the allowlist is "*".
func checkCommandLine(line string, allow []string) error {
	for _, a := range allow {
		if a == "*" {
			return nil
		}
	}
	if strings.TrimSpace(line) == "" {
		return fmt.Errorf("empty command")
	}
	if hasSubstitution(line) {
		return fmt.Errorf("command substitution is not allowed")
	}

	for _, seg := range splitSegments(line) {
		name := commandName(seg)
		if name == "" {
			continue
		}
		if !contains(allow, name) {
			return fmt.Errorf("command %q is not in the allowlist", name)
		}
	}
	return nil
}

// splitSegments splits a command line on control operators, honoring
// single and double quotes and backslash escapes.
func splitSegments(line string) []string {
	var (
		segs   []string
		cur    strings.Builder
		single bool
		double bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segs = append(segs, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && !single && i+1 < len(line):
			cur.WriteByte(c)
			cur.WriteByte(line[i+1])
			i++
		case c == '\'' && !double:
			single = !single
			cur.WriteByte(c)
		case c == '"' && !single:
			double = !double
			cur.WriteByte(c)
		case !single && !double && (c == ';' || c == '&' || c == '|' || c == '\n'):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return segs
}

// hasSubstitution reports "$(", backticks, "<(" or ">(" outside single
// quotes.
func hasSubstitution(line string) bool {
	single := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && !single:
			i++
		case c == '\'':
			single = !single
		case single:
		case c == '`':
			return true
		case (c == '$' || c == '<' || c == '>') && i+1 < len(line) && line[i+1] == '(':
			return true
		}
	}
	return false
}

// commandName returns the program a segment runs: the base name of its
// first word after environment assignments, with quotes removed.
func commandName(seg string) string {
	for _, word := range strings.Fields(seg) {
		word = strings.Trim(word, `"'`)
		if word == "" {
			continue
		}
		if eq := strings.IndexByte(word, '='); eq > 0 && isIdent(word[:eq]) {
			continue
		}
		// Prefix words that run the next word as the command.
		switch word {
		case "!", "{", "exec", "time", "command":
			continue
		}
		return path.Base(word)
	}
	return ""
}

func isIdent(s string) bool {
	for i, c := range s {
		if c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return s != ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
