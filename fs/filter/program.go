package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ocrsync/ocrsync/fs"
)

// Context says which decision a filter evaluation is feeding.
type Context byte

// Evaluation contexts.
const (
	// TransferContext asks whether an entry is sent at all.
	TransferContext Context = iota
	// DeletionContext asks whether an extraneous destination entry may
	// be removed.
	DeletionContext
)

// maxMergeDepth bounds merge file recursion. Upstream uses a depth
// counter rather than an occurs check, so a self-referencing file
// errors out instead of looping.
const maxMergeDepth = 10

// Result is the outcome of evaluating a path against the program.
type Result struct {
	TransferAllowed bool
	Protected       bool
}

// AllowsDeletion reports whether the entry may be deleted.
func (r Result) AllowsDeletion() bool {
	return r.TransferAllowed && !r.Protected
}

// instruction is one step of the compiled program.
type instruction struct {
	segment []*Rule // nil for placeholder instructions
	// dirMerge and excludeIfPresent index the side tables; -1 if unused
	dirMerge         int
	excludeIfPresent int
}

// Program is the compiled, ordered filter program: rule segments with
// placeholders where per-directory rules splice in at traversal time.
type Program struct {
	instructions []instruction
	dirMerge     []*Rule
	markers      []*Rule
}

// NewProgram compiles an ordered list of rules into a program.
// Plain rules accumulate into segments; Clear discards everything
// collected so far; Merge rules are resolved immediately by reading the
// named file; DirMerge and ExcludeIfPresent flush the current segment
// and leave a placeholder.
func NewProgram(rules []*Rule) (*Program, error) {
	p := &Program{}
	var segment []*Rule
	flush := func() {
		if len(segment) > 0 {
			p.instructions = append(p.instructions, instruction{segment: segment, dirMerge: -1, excludeIfPresent: -1})
			segment = nil
		}
	}
	var add func(rules []*Rule, depth int) error
	add = func(rules []*Rule, depth int) error {
		for _, r := range rules {
			switch r.Action {
			case Clear:
				segment = nil
				p.instructions = nil
				p.dirMerge = nil
				p.markers = nil
			case Merge:
				if depth >= maxMergeDepth {
					return fmt.Errorf("merge depth exceeds %d at %q: %w", maxMergeDepth, r.Pattern, ErrBadRule)
				}
				merged, err := readRuleFile(r.Pattern, r.MergeOpts)
				if err != nil {
					return err
				}
				if err := add(merged, depth+1); err != nil {
					return err
				}
			case DirMerge:
				flush()
				p.dirMerge = append(p.dirMerge, r)
				p.instructions = append(p.instructions, instruction{dirMerge: len(p.dirMerge) - 1, excludeIfPresent: -1})
				if r.MergeOpts.ExcludeSelf {
					self, err := NewRule(Exclude, r.Pattern, Modifiers{})
					if err != nil {
						return err
					}
					segment = append(segment, self)
				}
			case ExcludeIfPresent:
				flush()
				p.markers = append(p.markers, r)
				p.instructions = append(p.instructions, instruction{dirMerge: -1, excludeIfPresent: len(p.markers) - 1})
			default:
				segment = append(segment, r)
			}
		}
		return nil
	}
	if err := add(rules, 0); err != nil {
		return nil, err
	}
	flush()
	return p, nil
}

// ParseProgram compiles a program from filter lines.
func ParseProgram(lines []string) (*Program, error) {
	var rules []*Rule
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := ParseRule(line)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return NewProgram(rules)
}

// IsEmpty reports whether the program holds no rules at all.
func (p *Program) IsEmpty() bool {
	return len(p.instructions) == 0
}

// DirMergeRules exposes the side table of dir-merge rules.
func (p *Program) DirMergeRules() []*Rule {
	return p.dirMerge
}

// readRuleFile reads a filter file into rules, applying the merge
// options of the referencing rule.
func readRuleFile(path string, opts *MergeOptions) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter file: %w", err)
	}
	return parseRuleFile(string(data), opts)
}

func parseRuleFile(content string, opts *MergeOptions) ([]*Rule, error) {
	if opts == nil {
		opts = &MergeOptions{EnforcedAction: Clear}
	}
	var words []string
	if opts.WordSplit {
		words = strings.Fields(content)
	} else {
		words = strings.Split(content, "\n")
	}
	var rules []*Rule
	for _, word := range words {
		line := strings.TrimSpace(word)
		if line == "" {
			continue
		}
		if !opts.NoComments && strings.HasPrefix(line, "#") {
			continue
		}
		var r *Rule
		var err error
		if opts.EnforcedAction != Clear {
			// Enforced lists are bare patterns, not rule syntax.
			r, err = NewRule(opts.EnforcedAction, line, Modifiers{
				SenderOnly:   opts.SenderOnly,
				ReceiverOnly: opts.ReceiverOnly,
				Perishable:   opts.Perishable,
			})
		} else {
			r, err = ParseRule(line)
			if err == nil && r.Action != Clear {
				r.SenderOnly = r.SenderOnly || opts.SenderOnly
				r.ReceiverOnly = r.ReceiverOnly || opts.ReceiverOnly
				r.Perishable = r.Perishable || opts.Perishable
			}
		}
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// appliesTo reports whether a rule participates in the given context.
func appliesTo(r *Rule, ctx Context, deleteExcluded bool) bool {
	if r.XattrOnly {
		return false
	}
	switch ctx {
	case TransferContext:
		if r.ReceiverOnly || r.Action == Protect || r.Action == Risk {
			return false
		}
	case DeletionContext:
		if r.SenderOnly || r.Action == Hide || r.Action == Show {
			return false
		}
		if deleteExcluded && r.Perishable {
			return false
		}
	}
	return true
}

// mergeLayer is one directory level's worth of rules for a dir-merge
// placeholder.
type mergeLayer struct {
	depth int
	rules []*Rule
}

// Walker evaluates a program during a traversal, maintaining the
// per-directory rule layers the dir-merge placeholders splice in.
// It is not safe for concurrent use; a traversal owns one Walker.
type Walker struct {
	prog           *Program
	deleteExcluded bool
	depth          int
	// one stack per dir-merge rule, innermost layer last
	layers [][]mergeLayer
}

// NewWalker returns a Walker over the program. deleteExcluded
// suppresses perishable rules in deletion context.
func NewWalker(prog *Program, deleteExcluded bool) *Walker {
	return &Walker{
		prog:           prog,
		deleteExcluded: deleteExcluded,
		layers:         make([][]mergeLayer, len(prog.dirMerge)),
	}
}

// SkipDir reports whether dir must be pruned because one of the
// registered exclude-if-present markers exists inside it. Markers are
// checked without following symlinks.
func (w *Walker) SkipDir(dir string) bool {
	for _, marker := range w.prog.markers {
		if _, err := os.Lstat(filepath.Join(dir, marker.Pattern)); err == nil {
			fs.Debugf(nil, "skipping %q: marker %q present", dir, marker.Pattern)
			return true
		}
	}
	return false
}

// EnterDir pushes the per-directory rules for dir. dirPath is the
// filesystem path of the directory being entered. Missing filter files
// are not an error; unreadable or malformed ones are.
func (w *Walker) EnterDir(dirPath string) error {
	w.depth++
	for i, dm := range w.prog.dirMerge {
		name := filepath.Join(dirPath, dm.Pattern)
		data, err := os.ReadFile(name)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("dir-merge %q: %w", name, err)
		}
		rules, err := parseRuleFile(string(data), dm.MergeOpts)
		if err != nil {
			return fmt.Errorf("dir-merge %q: %w", name, err)
		}
		if dm.MergeOpts.ExcludeSelf {
			self, err := NewRule(Exclude, dm.Pattern, Modifiers{})
			if err != nil {
				return err
			}
			rules = append([]*Rule{self}, rules...)
		}
		w.layers[i] = append(w.layers[i], mergeLayer{depth: w.depth, rules: rules})
		fs.Debugf(nil, "dir-merge: loaded %d rules from %q", len(rules), name)
	}
	return nil
}

// LeaveDir pops whatever EnterDir pushed for the directory being left,
// plus any non-inherited layers that only applied at this level.
func (w *Walker) LeaveDir() {
	for i := range w.layers {
		stack := w.layers[i]
		for len(stack) > 0 && stack[len(stack)-1].depth == w.depth {
			stack = stack[:len(stack)-1]
		}
		w.layers[i] = stack
	}
	w.depth--
}

// Match evaluates path against the program in the given context.
// path is relative to the transfer root and never starts with a slash.
func (w *Walker) Match(path string, isDir bool, ctx Context) Result {
	res := Result{TransferAllowed: true}
	transferDecided := false
	protectDecided := false

	match := func(rules []*Rule) {
		for _, r := range rules {
			if r.Action == Clear {
				continue
			}
			if !appliesTo(r, ctx, w.deleteExcluded) {
				continue
			}
			if !r.Matches(path, isDir) {
				continue
			}
			switch r.Action {
			case Include, Show:
				if !transferDecided {
					res.TransferAllowed = true
					transferDecided = true
				}
			case Exclude, Hide:
				if !transferDecided {
					res.TransferAllowed = false
					transferDecided = true
				}
			case Protect:
				if !protectDecided {
					res.Protected = true
					protectDecided = true
				}
			case Risk:
				if !protectDecided {
					res.Protected = false
					protectDecided = true
				}
			}
			if transferDecided && protectDecided {
				return
			}
		}
	}

	for _, ins := range w.prog.instructions {
		if transferDecided && protectDecided {
			break
		}
		switch {
		case ins.dirMerge >= 0:
			stack := w.layers[ins.dirMerge]
			noInherit := w.prog.dirMerge[ins.dirMerge].MergeOpts.NoInherit
			// Deeper directories take precedence, so walk the stack from
			// the innermost layer out.
			for j := len(stack) - 1; j >= 0; j-- {
				if noInherit && stack[j].depth != w.depth {
					continue
				}
				match(stack[j].rules)
				if transferDecided && protectDecided {
					break
				}
			}
		case ins.excludeIfPresent >= 0:
			// Marker checks happen in SkipDir during traversal.
		default:
			match(ins.segment)
		}
	}
	return res
}

// Include is the single-shot form of Match for transfer decisions.
func (w *Walker) Include(path string, isDir bool) bool {
	return w.Match(path, isDir, TransferContext).TransferAllowed
}
