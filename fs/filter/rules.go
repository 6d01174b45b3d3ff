package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Action says what a matching rule does.
type Action byte

// Rule actions.
const (
	Include Action = iota
	Exclude
	Protect
	Risk
	Hide
	Show
	Clear
	Merge
	DirMerge
	ExcludeIfPresent
)

// String returns the short-form prefix of the action.
func (a Action) String() string {
	switch a {
	case Include:
		return "+"
	case Exclude:
		return "-"
	case Protect:
		return "P"
	case Risk:
		return "R"
	case Hide:
		return "H"
	case Show:
		return "S"
	case Clear:
		return "!"
	case Merge:
		return "."
	case DirMerge:
		return ":"
	case ExcludeIfPresent:
		return "exclude-if-present"
	}
	return "?"
}

// Modifiers are the per-rule flags from the trailing modifier letters
// plus the two properties inferred from the pattern shape.
type Modifiers struct {
	Negate       bool // ! - invert the match
	Perishable   bool // p - vanishes during delete-excluded processing
	SenderOnly   bool // s - applies only on the sending side
	ReceiverOnly bool // r - applies only on the receiving side
	XattrOnly    bool // x - applies only to xattr names

	// Inferred from the pattern.
	DirectoryOnly bool // trailing /
	Anchored      bool // leading /
}

// Rule is one compiled filter rule. Merge and dir-merge rules have no
// matchers; their pattern is the filter file they reference and
// MergeOpts says how to read it.
type Rule struct {
	Action  Action
	Pattern string
	Modifiers
	MergeOpts *MergeOptions

	direct     *regexp.Regexp
	descendant *regexp.Regexp
}

// ErrBadRule is wrapped by every rule parse failure.
var ErrBadRule = errors.New("malformed filter rule")

// NewRule compiles a rule from its action, pattern and modifiers.
func NewRule(action Action, pattern string, mods Modifiers) (*Rule, error) {
	if pattern == "" && action != Clear {
		return nil, fmt.Errorf("empty pattern: %w", ErrBadRule)
	}
	mods.Anchored = strings.HasPrefix(pattern, "/")
	trimmed := strings.TrimPrefix(pattern, "/")
	if strings.HasSuffix(trimmed, "/") {
		mods.DirectoryOnly = true
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	r := &Rule{Action: action, Pattern: pattern, Modifiers: mods}
	var err error
	r.direct, err = globToRegexp(trimmed, mods.Anchored)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBadRule)
	}
	// Matching a directory implies matching what is under it for
	// directory scoped rules and for the actions that prune traversal.
	if mods.DirectoryOnly || propagates(action) {
		r.descendant, err = globToDescendantRegexp(trimmed, mods.Anchored)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrBadRule)
		}
	}
	return r, nil
}

// propagates reports whether a rule kind applies to everything under a
// matching directory.
func propagates(action Action) bool {
	switch action {
	case Exclude, Hide, Protect:
		return true
	}
	return false
}

// Matches reports whether the rule matches the path. isDir is whether
// the candidate entry is itself a directory.
func (r *Rule) Matches(path string, isDir bool) bool {
	matched := false
	if !r.DirectoryOnly || isDir {
		matched = r.direct.MatchString(path)
	}
	if !matched && r.descendant != nil {
		matched = r.descendant.MatchString(path)
	}
	if r.Negate {
		matched = !matched
	}
	return matched
}

// String renders the rule back in filter file form.
func (r *Rule) String() string {
	return r.Action.String() + " " + r.Pattern
}

// parsePrefix splits a filter line into its action, modifier letters
// and pattern. Both "- pattern" and "-pattern" forms are accepted for
// the short actions, matching the upstream grammar.
func parsePrefix(line string) (action Action, mods string, pattern string, err error) {
	long := []struct {
		name   string
		action Action
	}{
		{"exclude", Exclude},
		{"include", Include},
		{"protect", Protect},
		{"risk", Risk},
		{"hide", Hide},
		{"show", Show},
		{"merge", Merge},
		{"dir-merge", DirMerge},
		{"clear", Clear},
	}
	for _, l := range long {
		if rest, ok := strings.CutPrefix(line, l.name); ok {
			if rest == "" {
				return l.action, "", "", nil
			}
			if rest[0] == ',' {
				// Long names take their modifier letters after a comma:
				// "dir-merge,e .rsync-filter".
				sep := strings.IndexAny(rest, " _")
				if sep < 0 {
					return l.action, rest[1:], "", nil
				}
				return l.action, rest[1:sep], strings.TrimLeft(rest[sep:], " _"), nil
			}
			if rest[0] == ' ' || rest[0] == '_' {
				return l.action, "", strings.TrimLeft(rest, " _"), nil
			}
		}
	}
	if line == "!" {
		return Clear, "", "", nil
	}
	short := map[byte]Action{
		'-': Exclude,
		'+': Include,
		'P': Protect,
		'R': Risk,
		'H': Hide,
		'S': Show,
		'.': Merge,
		':': DirMerge,
	}
	a, ok := short[line[0]]
	if !ok {
		// A bare pattern is an exclude, the form exclude-from files use.
		return Exclude, "", line, nil
	}
	rest := line[1:]
	// Modifier letters run up to the separator; with no separator the
	// rest of the line is the pattern.
	sep := strings.IndexAny(rest, " _")
	if sep < 0 {
		return a, "", rest, nil
	}
	return a, rest[:sep], rest[sep+1:], nil
}

// applyModifierLetters folds the modifier letters of a parsed rule into
// Modifiers. Unknown letters are an error.
func applyModifierLetters(letters string, mods *Modifiers) error {
	for _, c := range letters {
		switch c {
		case '!':
			mods.Negate = true
		case 'p':
			mods.Perishable = true
		case 's':
			mods.SenderOnly = true
		case 'r':
			mods.ReceiverOnly = true
		case 'x':
			mods.XattrOnly = true
		case '/':
			// Anchor the pattern at the root regardless of shape.
			mods.Anchored = true
		default:
			return fmt.Errorf("unknown modifier %q: %w", string(c), ErrBadRule)
		}
	}
	return nil
}

// MergeOptions are the modifiers a merge or dir-merge rule may carry,
// controlling how the referenced filter file is read.
type MergeOptions struct {
	// EnforcedAction forces every line of the file to this action
	// ("-" or "+" modifier); Clear means no enforcement.
	EnforcedAction Action
	// ExcludeSelf adds an exclude for the filter file itself.
	ExcludeSelf bool
	// NoInherit keeps the rules from applying below the directory that
	// supplied them.
	NoInherit bool
	// WordSplit splits lines on whitespace instead of newlines only.
	WordSplit bool
	// NoComments disables the # comment convention, used with
	// enforced-action lists.
	NoComments bool
	// Side bias passed down to every parsed rule.
	SenderOnly   bool
	ReceiverOnly bool
	Perishable   bool
	// CVS selects the CVS-exclude preset: word split, no inherit,
	// exclude-only and perishable.
	CVS bool
}

// parseMergeModifiers folds the modifier letters of a merge rule into
// MergeOptions.
func parseMergeModifiers(letters string) (MergeOptions, error) {
	opts := MergeOptions{EnforcedAction: Clear}
	for _, c := range letters {
		switch c {
		case '-':
			opts.EnforcedAction = Exclude
			opts.NoComments = false
		case '+':
			opts.EnforcedAction = Include
		case 'C':
			opts.CVS = true
			opts.EnforcedAction = Exclude
			opts.WordSplit = true
			opts.NoInherit = true
			opts.Perishable = true
		case 'e':
			opts.ExcludeSelf = true
		case 'n':
			opts.NoInherit = true
		case 'w':
			opts.WordSplit = true
		case 's':
			opts.SenderOnly = true
		case 'r':
			opts.ReceiverOnly = true
		case 'p':
			opts.Perishable = true
		default:
			return opts, fmt.Errorf("unknown merge modifier %q: %w", string(c), ErrBadRule)
		}
	}
	return opts, nil
}

// ParseRule parses one line of rsync filter syntax into a compiled
// rule. Clear returns a rule with the Clear action and no pattern.
// Merge and dir-merge rules carry the referenced file name as their
// pattern plus the parsed MergeOptions.
func ParseRule(line string) (*Rule, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("empty line: %w", ErrBadRule)
	}
	action, letters, pattern, err := parsePrefix(line)
	if err != nil {
		return nil, err
	}
	if action == Clear {
		if pattern != "" {
			return nil, fmt.Errorf("clear takes no pattern: %w", ErrBadRule)
		}
		return &Rule{Action: Clear}, nil
	}
	if action == Merge || action == DirMerge {
		if pattern == "" {
			return nil, fmt.Errorf("merge rule without a file: %w", ErrBadRule)
		}
		opts, err := parseMergeModifiers(letters)
		if err != nil {
			return nil, err
		}
		return &Rule{Action: action, Pattern: pattern, MergeOpts: &opts}, nil
	}
	var mods Modifiers
	if err := applyModifierLetters(letters, &mods); err != nil {
		return nil, err
	}
	if mods.Anchored && !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	return NewRule(action, pattern, mods)
}
