package leakguard

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// defaultRules is the rule file compiled into the binary.
//
//go:embed rules.yaml
var defaultRules []byte

// Reason identifies which detection pass flagged a message.
type Reason string

const (
	ReasonObfuscatedKeyword Reason = "obfuscated_keyword"
	ReasonKeyword           Reason = "keyword"
	ReasonNumericPayload    Reason = "numeric_payload"
	ReasonPhonePattern      Reason = "phone_pattern"
	ReasonURLPattern        Reason = "url_pattern"
)

// UnmarshalYAML accepts only the reasons a pattern can carry.
func (r *Reason) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch incoming := Reason(s); incoming {
	case ReasonPhonePattern, ReasonURLPattern:
		*r = incoming
		return nil
	default:
		return fmt.Errorf("invalid pattern reason: %q", s)
	}
}

// Keyword is one banned term. A plain YAML string is a keyword with default
// flags.
type Keyword struct {
	Text string `yaml:"keyword"`
	// LiteralOnly keeps the keyword out of the collapsed pass and matches it
	// only as a whole word. Short phrases like "call me" would otherwise hit
	// "recall meeting".
	LiteralOnly bool `yaml:"literal_only"`
}

// UnmarshalYAML accepts either a bare string or a keyword mapping.
func (k *Keyword) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*k = Keyword{}
		return value.Decode(&k.Text)
	}
	type plain Keyword
	return value.Decode((*plain)(k))
}

// Pattern is one regular-expression rule of the pattern pass.
type Pattern struct {
	ID          string `yaml:"id"`
	Reason      Reason `yaml:"reason"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`

	compiled *regexp.Regexp
}

// Rules is a compiled rule set.
type Rules struct {
	Warning      string    `yaml:"warning"`
	SnippetRunes int       `yaml:"snippet_runes"`
	MinDigits    int       `yaml:"min_digits"`
	Keywords     []Keyword `yaml:"keywords"`
	Patterns     []Pattern `yaml:"patterns"`

	// collapsed holds keywords reduced to ASCII letters and digits; keywords
	// that collapse to nothing are left out.
	collapsed []string
	// literal holds the lower-cased keywords matched as substrings.
	literal []string
	// words holds the lower-cased literal-only keywords, matched as whole
	// words.
	words []string
}

// DefaultRules returns the embedded rule set.
func DefaultRules() (*Rules, error) {
	return LoadRules(defaultRules)
}

// LoadRules parses and compiles a YAML rule file.
func LoadRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Rules) compile() error {
	if strings.TrimSpace(r.Warning) == "" {
		return errors.New("rules: warning is required")
	}
	if r.SnippetRunes <= 0 {
		r.SnippetRunes = 50
	}
	if r.MinDigits <= 0 {
		r.MinDigits = 10
	}

	r.collapsed = r.collapsed[:0]
	r.literal = r.literal[:0]
	r.words = r.words[:0]
	for _, kw := range r.Keywords {
		lower := strings.ToLower(strings.TrimSpace(kw.Text))
		if lower == "" {
			continue
		}
		if kw.LiteralOnly {
			r.words = append(r.words, lower)
			continue
		}
		r.literal = append(r.literal, lower)
		if c := collapse(lower); c != "" {
			r.collapsed = append(r.collapsed, c)
		}
	}

	for i := range r.Patterns {
		p := &r.Patterns[i]
		if p.Reason == "" {
			return fmt.Errorf("rules: pattern %s has no reason", p.ID)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return fmt.Errorf("failed to compile the regex %s: %w", p.ID, err)
		}
		p.compiled = re
	}
	return nil
}

// containsWord reports whether word occurs in s with no letter or digit
// directly before or after it.
func containsWord(s, word string) bool {
	for offset := 0; offset <= len(s)-len(word); {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		offset = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
