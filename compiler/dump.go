package compiler

import (
	"fmt"
	"strings"
)

// DumpTokens renders a token stream one per line with positions, for
// the --tokens debug output.
func DumpTokens(tokens []Token) string {
	var sb strings.Builder
	for _, tok := range tokens {
		fmt.Fprintf(&sb, "%4d:%-3d %s\n", tok.Pos.Line, tok.Pos.Column, tok)
	}
	return sb.String()
}
