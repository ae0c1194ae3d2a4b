package param

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fxsml/relay/message"
)

type segment struct {
	text        string
	placeholder bool
}

// parsePattern splits s into literal text and {name} placeholders.
func parsePattern(s string) ([]segment, error) {
	var segs []segment
	for len(s) > 0 {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			segs = append(segs, segment{text: s})
			break
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("unterminated placeholder in %q", s)
		}
		if open > 0 {
			segs = append(segs, segment{text: s[:open]})
		}
		name := strings.TrimSpace(s[open+1 : open+end])
		if name == "" {
			return nil, fmt.Errorf("empty placeholder in %q", s)
		}
		segs = append(segs, segment{text: name, placeholder: true})
		s = s[open+end+1:]
	}
	return segs, nil
}

func placeholders(segs []segment) []string {
	var names []string
	for _, s := range segs {
		if s.placeholder {
			names = append(names, s.text)
		}
	}
	return names
}

// builtin returns the value of a built-in placeholder.
func builtin(name string) (string, bool) {
	switch name {
	case "now":
		return time.Now().Format(time.RFC3339), true
	case "uid":
		return message.NewID(), true
	case "hostname":
		h, err := os.Hostname()
		if err != nil {
			return "", false
		}
		return h, true
	}
	return "", false
}
