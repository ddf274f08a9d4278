package plan

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nugget/relay/internal/metrics"
	"github.com/nugget/relay/internal/tools"
)

// DefaultIntents maps each built-in intent to its trigger keywords.
var DefaultIntents = map[string][]string{
	"lookup": {
		"search", "find", "look up", "lookup", "what is", "what are", "how do",
		"how does", "where is", "who is", "policy", "policies", "documentation",
		"docs", "wiki", "confluence", "explain",
	},
	"current_events": {
		"news", "latest", "today", "current", "recent", "this week", "headline",
	},
	"create_ticket": {
		"create ticket", "open ticket", "create a ticket", "open a ticket",
		"create issue", "file a bug", "new ticket", "jira", "report a bug",
	},
	"schedule_meeting": {
		"schedule", "meeting", "book a", "calendar", "set up a call",
	},
}

// DefaultIntent is planned for non-conversational input that matches no
// keyword.
const DefaultIntent = "lookup"

// conversational holds words that carry no informational need on their
// own. Input made only of these is planned with zero steps.
var conversational = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "hiya": true,
	"thanks": true, "thank": true, "you": true, "thx": true, "ty": true,
	"cheers": true, "ok": true, "okay": true, "k": true, "cool": true,
	"great": true, "nice": true, "awesome": true, "perfect": true,
	"got": true, "it": true, "bye": true, "goodbye": true, "good": true,
	"morning": true, "afternoon": true, "evening": true, "night": true,
	"sounds": true, "sure": true, "yes": true, "no": true, "yep": true,
	"nope": true, "so": true, "much": true, "lol": true, "there": true,
	"all": true, "appreciate": true, "that": true, "np": true,
}

// followUpPrefixes mark a short request that continues the previous one.
var followUpPrefixes = []string{
	"and ", "what about", "how about", "also", "same for", "what if", "but ",
	"ok and", "then ",
}

// maxFollowUpWords caps the length of a request treated as a follow-up.
const maxFollowUpWords = 10

type intentRule struct {
	intent   string
	keywords []string
}

// Options configures a Planner.
type Options struct {
	// Priority orders tool categories; earlier wins ties.
	Priority []string
	// Intents replaces DefaultIntents when non-empty.
	Intents  map[string][]string
	Reasoner Reasoner
	// ReasonTimeout bounds each reasoning-backend call.
	ReasonTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Planner selects tools for requests. It is safe for concurrent use;
// every method is a pure function of its inputs and the registry.
type Planner struct {
	registry *tools.Registry
	rules    []intentRule
	priority map[string]int

	reasoner      Reasoner
	reasonTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// New creates a planner over registry.
func New(registry *tools.Registry, opts Options) *Planner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReasonTimeout <= 0 {
		opts.ReasonTimeout = 20 * time.Second
	}
	intents := opts.Intents
	if len(intents) == 0 {
		intents = DefaultIntents
	}

	rules := make([]intentRule, 0, len(intents))
	for intent, keywords := range intents {
		kw := make([]string, 0, len(keywords))
		for _, k := range keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				kw = append(kw, k)
			}
		}
		rules = append(rules, intentRule{intent: intent, keywords: kw})
	}
	// Map iteration order must not leak into plans.
	slices.SortFunc(rules, func(a, b intentRule) int { return strings.Compare(a.intent, b.intent) })

	priority := make(map[string]int, len(opts.Priority))
	for i, c := range opts.Priority {
		if _, dup := priority[c]; !dup {
			priority[c] = i
		}
	}

	return &Planner{
		registry:      registry,
		rules:         rules,
		priority:      priority,
		reasoner:      opts.Reasoner,
		reasonTimeout: opts.ReasonTimeout,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
}

// Plan builds the execution plan for req. history is the conversation
// so far, oldest first; it is consulted only to resolve follow-ups.
//
// Intents are ordered by where their first keyword appears in the text.
// Each intent yields at most one step: the candidate action whose tool
// category ranks highest in the priority list, ties broken by tool name.
// Steps whose arguments fail the action schema are moved to Rejected.
func (p *Planner) Plan(req Request, history []Message) *Plan {
	out := &Plan{RequestID: req.ID}

	intents := p.Detect(req.Text)
	switch {
	case len(intents) > 0:
		out.Rationale = "matched intent keywords"
	case IsConversational(req.Text):
		out.Rationale = "conversational input"
		p.logPlan(req, out)
		return out
	default:
		if prev := p.previousIntents(history); len(prev) > 0 && isFollowUp(req.Text) {
			intents = prev
			out.FollowUp = true
			out.Rationale = "follow-up to previous request"
		} else {
			intents = []string{DefaultIntent}
			out.Rationale = "no intent keywords; default lookup"
		}
	}
	out.Intents = intents

	seen := make(map[string]bool)
	for _, intent := range intents {
		ref, ok := p.choose(intent)
		if !ok {
			out.Unserved = append(out.Unserved, intent)
			continue
		}
		if seen[ref.String()] {
			continue
		}
		seen[ref.String()] = true

		args := ref.Defaults()
		if q := ref.QueryArg(); q != "" {
			args[q] = strings.TrimSpace(req.Text)
		}
		step := NewStep(ref, args, fmt.Sprintf("intent %s served by %s (%s)", intent, ref, categoryOrNone(ref.Category())))

		if err := p.registry.Validate(ref, step.Args); err != nil {
			out.Rejected = append(out.Rejected, Rejection{Step: step, Reason: err.Error(), Err: err})
			p.logger.Warn("planned step rejected",
				"request_id", req.ID,
				"tool", step.Tool,
				"action", step.Action,
				"error", err,
			)
			continue
		}
		out.Steps = append(out.Steps, step)
	}

	p.logPlan(req, out)
	return out
}

func (p *Planner) logPlan(req Request, out *Plan) {
	p.logger.Info("request planned",
		"request_id", req.ID,
		"intents", out.Intents,
		"steps", len(out.Steps),
		"rejected", len(out.Rejected),
		"follow_up", out.FollowUp,
		"rationale", out.Rationale,
	)
}

// Detect returns the intents whose keywords occur in text, ordered by
// the position of each intent's earliest match. Ties go to intent name
// order.
func (p *Planner) Detect(text string) []string {
	lower := strings.ToLower(text)

	type hit struct {
		intent string
		pos    int
	}
	var hits []hit
	for _, r := range p.rules {
		best := -1
		for _, kw := range r.keywords {
			if pos := indexWord(lower, kw); pos >= 0 && (best < 0 || pos < best) {
				best = pos
			}
		}
		if best >= 0 {
			hits = append(hits, hit{intent: r.intent, pos: best})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(a.pos, b.pos) })

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.intent
	}
	return out
}

// choose picks the best candidate action for intent.
func (p *Planner) choose(intent string) (tools.Ref, bool) {
	candidates := p.registry.Candidates(intent)
	if len(candidates) == 0 {
		return tools.Ref{}, false
	}
	slices.SortStableFunc(candidates, func(a, b tools.Ref) int {
		return cmp.Compare(p.rank(a.Category()), p.rank(b.Category()))
	})
	return candidates[0], true
}

// rank orders categories by the priority list; unlisted ones sort last.
func (p *Planner) rank(category string) int {
	if r, ok := p.priority[category]; ok {
		return r
	}
	return len(p.priority)
}

func (p *Planner) previousIntents(history []Message) []string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "user" {
			continue
		}
		if intents := p.Detect(history[i].Content); len(intents) > 0 {
			return intents
		}
	}
	return nil
}

// IsConversational reports whether text consists only of greetings,
// thanks and acknowledgments.
func IsConversational(text string) bool {
	ws := words(text)
	if len(ws) == 0 {
		return true
	}
	for _, w := range ws {
		if !conversational[w] {
			return false
		}
	}
	return true
}

func isFollowUp(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if len(words(lower)) > maxFollowUpWords {
		return false
	}
	for _, prefix := range followUpPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// indexWord returns the first index of kw in text where the match is
// bounded by non-word characters, or -1.
func indexWord(text, kw string) int {
	offset := 0
	for {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return -1
		}
		start := offset + i
		end := start + len(kw)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return start
		}
		offset = start + 1
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

func categoryOrNone(c string) string {
	if c == "" {
		return "uncategorized"
	}
	return c
}
