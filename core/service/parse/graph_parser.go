// Package parse extracts mailbox addresses from raw RFC 5322 address
// headers. It is deliberately more forgiving than net/mail: real mail
// carries headers that strict parsing rejects, and a dropped address is
// a hole in the graph.
package parse

import (
	"strings"

	"mailgraph/core/domain"
)

// AddressList parses a From/To/Cc header into addresses. Tokens are
// separated by commas outside double quotes and angle brackets. Invalid
// or empty tokens are dropped silently.
func AddressList(header string) []domain.Address {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	var out []domain.Address
	for _, token := range splitAddresses(header) {
		if addr, ok := parseToken(token); ok {
			out = append(out, addr)
		}
	}
	return out
}

// FirstAddress parses a header and returns its first address, or nil.
func FirstAddress(header string) *domain.Address {
	list := AddressList(header)
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}

// Format renders an address back to header form. Names are always quoted
// so commas inside them survive a reparse.
func Format(a domain.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return `"` + a.Name + `" <` + a.Address + `>`
}

// DomainOf returns the lowercased domain part of an address, or "" when
// the input is not a plausible address.
func DomainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// splitAddresses splits on commas that are outside double quotes and
// outside angle brackets.
func splitAddresses(header string) []string {
	var (
		tokens   []string
		start    int
		inQuotes bool
		depth    int
	)

	for i, r := range header {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				depth++
			}
		case '>':
			if !inQuotes && depth > 0 {
				depth--
			}
		case ',':
			if !inQuotes && depth == 0 {
				tokens = append(tokens, header[start:i])
				start = i + 1
			}
		}
	}
	tokens = append(tokens, header[start:])
	return tokens
}

// parseToken extracts one mailbox from a token. The last angle-bracket
// group is the address; anything before it is the display name, with one
// pair of surrounding quotes stripped and the inside kept verbatim.
func parseToken(token string) (domain.Address, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Address{}, false
	}

	name := ""
	candidate := token

	if open := strings.LastIndex(token, "<"); open >= 0 {
		rest := token[open+1:]
		if close := strings.Index(rest, ">"); close >= 0 {
			candidate = rest[:close]
		} else {
			candidate = rest
		}
		name = stripQuotes(strings.TrimSpace(token[:open]))
	}

	candidate = strings.TrimSpace(candidate)
	if !validAddress(candidate) {
		return domain.Address{}, false
	}

	lower := strings.ToLower(candidate)
	return domain.Address{
		Name:    name,
		Address: lower,
		Domain:  lower[strings.IndexByte(lower, '@')+1:],
	}, true
}

// validAddress checks the minimal shape: exactly one "@", a non-empty
// local part, and a domain containing a dot.
func validAddress(s string) bool {
	if strings.Count(s, "@") != 1 {
		return false
	}
	at := strings.IndexByte(s, '@')
	local, dom := s[:at], s[at+1:]
	return local != "" && dom != "" && strings.Contains(dom, ".")
}

func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
