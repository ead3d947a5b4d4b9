package fakeshell

import (
	"errors"
	"strings"
)

// statusRef stands in for $? until the command using it runs, so that
// "false; echo $?" sees the status of false.
const statusRef = "\x00status\x00"

type token struct {
	text string
	op   bool
}

// tokenize splits a command line into words and operators. It supports
// single and double quotes, backslash escapes outside quotes and the $?
// reference outside single quotes.
func tokenize(line string) ([]token, error) {
	var toks []token
	var cur strings.Builder
	inWord := false

	emit := func() {
		if inWord {
			toks = append(toks, token{text: cur.String()})
			cur.Reset()
			inWord = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\'':
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, errors.New("unterminated quoted string")
			}
			cur.WriteString(line[i+1 : i+1+end])
			inWord = true
			i += end + 1
		case c == '"':
			j := i + 1
			for ; j < len(line) && line[j] != '"'; j++ {
				if line[j] == '\\' && j+1 < len(line) {
					j++
					cur.WriteByte(line[j])
					continue
				}
				if line[j] == '$' && j+1 < len(line) && line[j+1] == '?' {
					cur.WriteString(statusRef)
					j++
					continue
				}
				cur.WriteByte(line[j])
			}
			if j >= len(line) {
				return nil, errors.New("unterminated double-quoted string")
			}
			inWord = true
			i = j
		case c == '\\':
			if i+1 < len(line) {
				i++
				cur.WriteByte(line[i])
				inWord = true
			}
		case c == '$' && i+1 < len(line) && line[i+1] == '?':
			cur.WriteString(statusRef)
			inWord = true
			i++
		case c == ' ' || c == '\t':
			emit()
		case c == ';':
			emit()
			toks = append(toks, token{text: ";", op: true})
		case c == '&' && i+1 < len(line) && line[i+1] == '&':
			emit()
			toks = append(toks, token{text: "&&", op: true})
			i++
		case c == '>':
			emit()
			if i+1 < len(line) && line[i+1] == '>' {
				toks = append(toks, token{text: ">>", op: true})
				i++
			} else {
				toks = append(toks, token{text: ">", op: true})
			}
		case c == '<':
			emit()
			toks = append(toks, token{text: "<", op: true})
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	emit()

	return toks, nil
}
