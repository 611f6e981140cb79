package blink

import (
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// field is one form key/value. Forms keep insertion order.
type field struct {
	key   string
	value string
}

// encodeForm builds an application/x-www-form-urlencoded body. Values are
// percent-encoded against the RFC 3986 unreserved set only: the signin
// endpoint rejects '+' for space and unescaped sub-delimiters, which
// url.Values.Encode would produce.
func encodeForm(fields ...field) string {
	var b strings.Builder

	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}

		b.WriteString(percentEncode(f.key))
		b.WriteByte('=')
		b.WriteString(percentEncode(f.value))
	}

	return b.String()
}

func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}

		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}

	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}

	return false
}

// oauthArgsID is the id of the inline JSON script on the signin page.
const oauthArgsID = "oauth-args"

// extractCSRFToken finds <script id="oauth-args"> in the signin page and
// returns its "csrf-token" value.
func extractCSRFToken(page []byte) (string, bool) {
	z := html.NewTokenizer(strings.NewReader(string(page)))
	inArgs := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken:
			tok := z.Token()
			inArgs = tok.DataAtom == atom.Script && attrValue(tok, "id") == oauthArgsID
		case html.TextToken:
			if !inArgs {
				continue
			}

			v := gjson.GetBytes(z.Text(), "csrf-token")
			if v.Type != gjson.String || v.Str == "" {
				return "", false
			}

			return v.Str, true
		case html.EndTagToken:
			inArgs = false
		}
	}
}

func attrValue(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}

	return ""
}
