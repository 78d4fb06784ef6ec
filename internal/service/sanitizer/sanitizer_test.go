package sanitizer

import "testing"

func TestStripFillers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lecture sentence", "um so the the force, uh, equals mass times acceleration right", "so the force equals mass times acceleration"},
		{"no fillers", "energy is conserved", "energy is conserved"},
		{"case insensitive", "UM Hmm the answer", "the answer"},
		{"phrase", "it is, you know, a vector", "it is a vector"},
		{"i mean", "I mean the mass", "the mass"},
		{"filler ends sentence", "that is the result, right. Next topic", "that is the result. Next topic"},
		{"whitespace", "  the   rate \t of change  ", "the rate of change"},
		{"only fillers", "um uh hmm", ""},
		{"empty", "", ""},
		{"word containing filler", "umbrella summit", "umbrella summit"},
		{"stutter keeps punctuation", "the the.", "the."},
		{"triple stutter", "it it it is zero", "it is zero"},
		{"intended repeat kept", "we had had enough", "we had had enough"},
		{"emphasis kept", "a very very large mass", "a very very large mass"},
		{"copula repeat kept", "what it is is a scalar", "what it is is a scalar"},
		{"repeat exposed by filler", "the um the force", "the force"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFillers(tt.input); got != tt.want {
				t.Errorf("StripFillers(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStripFillers_Idempotent(t *testing.T) {
	inputs := []string{
		"um so the the force, uh, equals mass times acceleration right",
		"you know you know the the the thing",
		"uh, right, um. Hmm? ok",
		"I mean, I mean, it is",
		"a b a b a",
	}
	for _, in := range inputs {
		once := StripFillers(in)
		twice := StripFillers(once)
		if once != twice {
			t.Errorf("not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestRecase(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"so the force", "So the force"},
		{"first. second! third? fourth", "First. Second! Third? Fourth"},
		{"pi is 3.14 roughly", "Pi is 3.14 roughly"},
		{"Already Capitalized", "Already Capitalized"},
		{"no terminal punctuation", "No terminal punctuation"},
		{"", ""},
		{"\"quoted start", "\"Quoted start"},
	}

	for _, tt := range tests {
		if got := Recase(tt.input); got != tt.want {
			t.Errorf("Recase(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestClean(t *testing.T) {
	got := Clean("um so the the force, uh, equals mass times acceleration right")
	want := "So the force equals mass times acceleration"
	if got != want {
		t.Errorf("Clean() = %q, want %q", got, want)
	}
}
