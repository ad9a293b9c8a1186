// Package replacer applies dictionary substitution rules to message text
// before it is synthesized.
//
// A [Replacer] holds an immutable snapshot of compiled rules. Replace runs,
// in this fixed order:
//
//  1. every regex rule,
//  2. every literal rule,
//  3. URL masking,
//  4. fenced code block masking.
//
// Within each rule stage, rules apply in ascending ID order, so a dictionary
// always produces the same output for the same input. [Replacer.UpdateRules]
// swaps the snapshot atomically; a concurrent Replace observes either the old
// or the new rule set, never a mix.
package replacer

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	// DefaultURLPlaceholder replaces every URL.
	DefaultURLPlaceholder = "URL省略"

	// DefaultCodePlaceholder replaces every fenced code block.
	DefaultCodePlaceholder = "コード省略"
)

var (
	urlPattern       = regexp.MustCompile(`https?://(?:[a-zA-Z]|[0-9]|[$-_@.&+]|[!*\(\),]|(?:%[0-9a-fA-F][0-9a-fA-F]))+`)
	codeBlockPattern = regexp.MustCompile("(?s)```.*?```")
	customEmoji      = regexp.MustCompile(`<a?:([A-Za-z0-9_~\-]+):[0-9]+>`)
	pyGroupRef       = regexp.MustCompile(`\\(?:g<([A-Za-z_][A-Za-z0-9_]*|[0-9]+)>|([0-9]{1,2}))`)
)

// Rule is one dictionary entry.
type Rule struct {
	// ID orders rules within a stage; lower IDs apply first.
	ID int64

	// Pattern is the text (or regular expression) to look for. It is unique
	// within one dictionary.
	Pattern string

	// Replacement is the substitute text. For regex rules it may reference
	// groups as $1 / ${name} or as \1 / \g<name>. Any other $ is literal.
	Replacement string

	// IsRegex selects regular-expression matching.
	IsRegex bool
}

// Options toggles the masking stages.
type Options struct {
	MaskURLs        bool
	URLPlaceholder  string
	MaskCodeBlocks  bool
	CodePlaceholder string
}

// DefaultOptions enables both masking stages with the default placeholders.
func DefaultOptions() Options {
	return Options{
		MaskURLs:        true,
		URLPlaceholder:  DefaultURLPlaceholder,
		MaskCodeBlocks:  true,
		CodePlaceholder: DefaultCodePlaceholder,
	}
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
	repl string
}

type snapshot struct {
	regex   []compiledRule
	literal []Rule
}

// Replacer applies a dictionary to text. The zero value is not usable; call
// [New]. A Replacer is safe for concurrent use.
type Replacer struct {
	snap atomic.Pointer[snapshot]
}

// New compiles rules into a Replacer. Rules are split into the regex and the
// literal stage by their IsRegex flag. An invalid pattern is reported with
// the offending rule.
func New(rules []Rule) (*Replacer, error) {
	regex, literal := Partition(rules)
	s, err := compile(regex, literal)
	if err != nil {
		return nil, err
	}
	r := &Replacer{}
	r.snap.Store(s)
	return r, nil
}

// Empty returns a Replacer without rules.
func Empty() *Replacer {
	r := &Replacer{}
	r.snap.Store(&snapshot{})
	return r
}

// Partition splits rules into regex and literal rules, keeping their order.
func Partition(rules []Rule) (regex, literal []Rule) {
	for _, rule := range rules {
		if rule.IsRegex {
			regex = append(regex, rule)
		} else {
			literal = append(literal, rule)
		}
	}
	return regex, literal
}

// UpdateRules replaces both rule sets at once. On a compile error the active
// snapshot is left untouched.
func (r *Replacer) UpdateRules(regexRules, literalRules []Rule) error {
	s, err := compile(regexRules, literalRules)
	if err != nil {
		return err
	}
	r.snap.Store(s)
	return nil
}

// SetRules is UpdateRules for a mixed rule list.
func (r *Replacer) SetRules(rules []Rule) error {
	regex, literal := Partition(rules)
	return r.UpdateRules(regex, literal)
}

// Rules returns copies of the active regex and literal rules in apply order.
func (r *Replacer) Rules() (regex, literal []Rule) {
	s := r.snap.Load()
	for _, c := range s.regex {
		regex = append(regex, c.rule)
	}
	literal = append(literal, s.literal...)
	return regex, literal
}

// Len returns the number of active rules.
func (r *Replacer) Len() int {
	s := r.snap.Load()
	return len(s.regex) + len(s.literal)
}

// Replace applies the active snapshot and the enabled masking stages.
func (r *Replacer) Replace(text string, opts Options) string {
	s := r.snap.Load()

	for _, c := range s.regex {
		text = c.re.ReplaceAllString(text, c.repl)
	}
	for _, rule := range s.literal {
		if rule.Pattern == "" {
			continue
		}
		text = strings.ReplaceAll(text, rule.Pattern, rule.Replacement)
	}
	if opts.MaskURLs {
		text = MaskURLs(text, opts.URLPlaceholder)
	}
	if opts.MaskCodeBlocks {
		text = codeBlockPattern.ReplaceAllLiteralString(text, opts.CodePlaceholder)
	}
	return text
}

// MaskURLs replaces every http(s) URL in text with placeholder. Candidates
// that do not parse to a scheme and host are left alone.
func MaskURLs(text, placeholder string) string {
	return urlPattern.ReplaceAllStringFunc(text, func(m string) string {
		u, err := url.Parse(m)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return m
		}
		return placeholder
	})
}

// StripCustomEmoji turns Discord custom emoji markup (<:name:id> and
// <a:name:id>) into the bare emoji name.
func StripCustomEmoji(text string) string {
	return customEmoji.ReplaceAllString(text, "$1")
}

// ValidatePattern reports whether a rule can be compiled.
func ValidatePattern(rule Rule) error {
	if rule.Pattern == "" {
		return fmt.Errorf("replacer: empty pattern")
	}
	if !rule.IsRegex {
		return nil
	}
	if _, err := regexp.Compile(rule.Pattern); err != nil {
		return fmt.Errorf("replacer: rule %q: %w", rule.Pattern, err)
	}
	return nil
}

func compile(regexRules, literalRules []Rule) (*snapshot, error) {
	s := &snapshot{
		regex:   make([]compiledRule, 0, len(regexRules)),
		literal: sortByID(literalRules),
	}
	for _, rule := range sortByID(regexRules) {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("replacer: rule %q: %w", rule.Pattern, err)
		}
		s.regex = append(s.regex, compiledRule{rule: rule, re: re, repl: translateTemplate(rule.Replacement, re)})
	}
	return s, nil
}

func sortByID(rules []Rule) []Rule {
	out := append([]Rule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// translateTemplate rewrites \1 and \g<name> group references to the ${1}
// and ${name} form understood by regexp. A $ that does not reference a group
// of re is kept literally.
func translateTemplate(repl string, re *regexp.Regexp) string {
	repl = escapeDollars(repl, re)
	if !strings.Contains(repl, `\`) {
		return repl
	}
	return pyGroupRef.ReplaceAllStringFunc(repl, func(m string) string {
		sub := pyGroupRef.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		return "${" + name + "}"
	})
}

// escapeDollars doubles every $ in repl that regexp would otherwise expand
// to something other than a group of re.
func escapeDollars(repl string, re *regexp.Regexp) string {
	if !strings.Contains(repl, "$") {
		return repl
	}
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		if repl[i] != '$' {
			b.WriteByte(repl[i])
			continue
		}
		rest := repl[i+1:]
		switch {
		case strings.HasPrefix(rest, "{"):
			if end := strings.IndexByte(rest, '}'); end > 0 && isGroup(re, rest[1:end]) {
				b.WriteString("$" + rest[:end+1])
				i += end + 1
				continue
			}
		default:
			n := 0
			for n < len(rest) && isNameByte(rest[n]) {
				n++
			}
			if n > 0 && isGroup(re, rest[:n]) {
				b.WriteString("$" + rest[:n])
				i += n
				continue
			}
		}
		b.WriteString("$$")
	}
	return b.String()
}

func isNameByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// isGroup reports whether name is a group number or group name of re.
func isGroup(re *regexp.Regexp, name string) bool {
	if n, err := strconv.Atoi(name); err == nil {
		return n >= 0 && n <= re.NumSubexp()
	}
	return re.SubexpIndex(name) >= 0
}
