package compiler

import "testing"

// The unparser must produce source that re-parses to the same tree.
// Comparing two successive unparse results checks that fixed point
// without being sensitive to token positions.
func assertRoundTrip(t *testing.T, src string) {
	t.Helper()

	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	printed := UnparseProgram(prog)

	reparsed, err := Parse(printed)
	if err != nil {
		t.Fatalf("reparse of %q failed: %v\nprinted:\n%s", src, err, printed)
	}
	again := UnparseProgram(reparsed)

	if printed != again {
		t.Errorf("round trip of %q not stable:\nfirst:\n%s\nsecond:\n%s", src, printed, again)
	}
}

func TestRoundTripStatements(t *testing.T) {
	sources := []string{
		"my $x = 5;",
		"my $x;",
		"our $g = 1;",
		"$x = $y = 3;",
		"$x += 2; $s .= \"more\";",
		"print 1 + 2 * 3, \"\\n\";",
		"say \"hello\";",
		"if ($a) { print 1; } elsif ($b) { print 2; } else { print 3; }",
		"unless ($a) { print 1; }",
		"while ($i < 3) { $i++; }",
		"until ($done) { $done = 1; }",
		"for (my $i = 0; $i < 10; $i++) { print $i; }",
		"for (;;) { last; }",
		"sub add($a, $b) { return $a + $b; }",
		"sub hello() { return; }",
		"{ my $x = 1; { my $y = 2; } }",
		"while (1) { next; last; }",
	}
	for _, src := range sources {
		assertRoundTrip(t, src)
	}
}

func TestRoundTripExpressions(t *testing.T) {
	sources := []string{
		"$a = 1 + 2 - 3;",
		"$a = 10 - 4 - 3;",
		"$a = -$x * 2;",
		"$a = !$b;",
		"$a = ~$b & 255;",
		"$a = $b << 2 | $c >> 1;",
		"$a = $b && $c || $d;",
		"$a = $x == 1;",
		"$a = $s eq \"hi\";",
		"$a = $s . \"tail\";",
		"$a = $cond ? 1 : 2;",
		"$a = add(1, mul(2, 3));",
		"$a = ++$i + $j--;",
		"$a = $s =~ /pat.tern/;",
		"$a = $s !~ /bad\\/path/;",
		"$a = \"esc\\n\\t\\\"\\\\\\0\";",
	}
	for _, src := range sources {
		assertRoundTrip(t, src)
	}
}

func TestRoundTripPreservesShape(t *testing.T) {
	// 1 + 2 * 3 and (1 + 2) * 3 must print differently.
	a := UnparseProgram(parseProgram(t, "$x = 1 + 2 * 3;"))
	b := UnparseProgram(parseProgram(t, "$x = (1 + 2) * 3;"))
	if a == b {
		t.Errorf("distinct shapes printed identically:\n%s", a)
	}
}

func TestQuoteString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", `"plain"`},
		{"a\nb", `"a\nb"`},
		{`back\slash`, `"back\\slash"`},
		{`quo"te`, `"quo\"te"`},
		{"nul\x00", `"nul\0"`},
	}
	for _, tc := range tests {
		if got := quoteString(tc.in); got != tc.want {
			t.Errorf("quoteString(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
