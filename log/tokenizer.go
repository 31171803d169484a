package log

import (
	"fmt"
	"strings"
)

// token is one key=value pair of a log output configuration line.
type token struct {
	key, value string
	// '[' when the value was given as a bracketed list
	inside rune
}

// tokenize splits a configuration line such as
// "file=./core.log,level=debug,categories=[cdp,NetworkManager]" into its
// key=value pairs. Keys may come without a value.
func tokenize(line string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(line); {
		start := i
		for i < len(line) && line[i] != '=' && line[i] != ',' {
			i++
		}
		tok := token{key: line[start:i]}
		if i == len(line) || line[i] == ',' {
			tokens = append(tokens, tok)
			i++
			continue
		}

		i++ // '='
		if i == len(line) {
			return nil, fmt.Errorf("key `%s=` with no value", tok.key)
		}
		if line[i] == '[' {
			end := strings.IndexByte(line[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("list value of key `%s` is not closed", tok.key)
			}
			tok.value, tok.inside = line[i+1:i+end], '['
			i += end + 1
		} else {
			start = i
			for i < len(line) && line[i] != ',' {
				i++
			}
			tok.value = line[start:i]
		}
		tokens = append(tokens, tok)

		if i < len(line) {
			if line[i] != ',' {
				return nil, fmt.Errorf("unexpected %q after the value of key `%s`", line[i], tok.key)
			}
			i++
		}
	}

	return tokens, nil
}
