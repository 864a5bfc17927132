package irc

import "strings"

// CaseFold lowers a nickname or channel name using the rfc1459
// casemapping, where []\~ are the uppercase forms of {}|^. Privilege
// tracking, rate limiting and blocklists all key on the folded form so
// they agree on identity.
func CaseFold(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, name)
}
