// Package campaign persists bulk send jobs and drives their dispatch.
package campaign

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Token is one element of a message template: either a literal string or a
// numeric index into the recipient's substitution data.
type Token struct {
	Literal string
	Index   int
	IsIndex bool
}

// Template is the ordered token list. Its JSON form is a mixed array of
// strings and numbers, e.g. ["Hello ", 0, "!"].
type Template []Token

func (t Template) MarshalJSON() ([]byte, error) {
	raw := make([]interface{}, 0, len(t))
	for _, tok := range t {
		if tok.IsIndex {
			raw = append(raw, tok.Index)
		} else {
			raw = append(raw, tok.Literal)
		}
	}
	return json.Marshal(raw)
}

func (t *Template) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "campaign: parse template")
	}
	out := make(Template, 0, len(raw))
	for _, elem := range raw {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			out = append(out, Token{Literal: s})
			continue
		}
		var n int
		if err := json.Unmarshal(elem, &n); err == nil {
			out = append(out, Token{Index: n, IsIndex: true})
			continue
		}
		return errors.Errorf("campaign: template token %s is neither string nor index", string(elem))
	}
	*t = out
	return nil
}

// Render substitutes each index token with the recipient's data at that
// position. A missing index renders as the empty string; literal tokens pass
// through unchanged.
func (t Template) Render(data []string) string {
	var b strings.Builder
	for _, tok := range t {
		if !tok.IsIndex {
			b.WriteString(tok.Literal)
			continue
		}
		if tok.Index >= 0 && tok.Index < len(data) {
			b.WriteString(data[tok.Index])
		}
	}
	return b.String()
}
