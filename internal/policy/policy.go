// Package policy holds the rate limit policies, looked up by name.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrPolicyNotFound is returned together with the most restrictive policy
// when a lookup misses.
var ErrPolicyNotFound = errors.New("policy not found")

const (
	ChatbotFree       = "CHATBOT_FREE"
	ChatbotBasic      = "CHATBOT_BASIC"
	ChatbotPro        = "CHATBOT_PRO"
	ChatbotEnterprise = "CHATBOT_ENTERPRISE"
	PlagiarismCheck   = "PLAGIARISM_CHECK"
	FileUpload        = "FILE_UPLOAD"
	APIGeneral        = "API_GENERAL"
	CreateClass       = "CREATE_CLASS"
	Invitations       = "INVITATIONS"
	Submissions       = "SUBMISSIONS"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var chatbotByPlan = map[Plan]string{
	PlanFree:       ChatbotFree,
	PlanBasic:      ChatbotBasic,
	PlanPro:        ChatbotPro,
	PlanEnterprise: ChatbotEnterprise,
}

// Upper bounds keep rate comparisons inside int64.
const (
	MaxActions = 1_000_000_000
	MaxWindow  = 30 * 24 * time.Hour
)

// Policy allows Max actions per sliding Window.
type Policy struct {
	Name    string        `json:"name"`
	Max     int64         `json:"max"`
	Window  time.Duration `json:"window"`
	Message string        `json:"message"`
}

// WindowSeconds is the window length in whole seconds.
func (p Policy) WindowSeconds() int64 {
	return int64(p.Window / time.Second)
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	if p.Max <= 0 {
		return fmt.Errorf("policy %s: max must be > 0, got %d", p.Name, p.Max)
	}
	if p.Max > MaxActions {
		return fmt.Errorf("policy %s: max must be <= %d, got %d", p.Name, MaxActions, p.Max)
	}
	if p.Window < time.Second {
		return fmt.Errorf("policy %s: window must be at least 1s, got %s", p.Name, p.Window)
	}
	if p.Window > MaxWindow {
		return fmt.Errorf("policy %s: window must be at most %s, got %s", p.Name, MaxWindow, p.Window)
	}
	return nil
}

// stricterThan compares allowed rates, Max/Window, without division. Ties go
// to the smaller Max, then to the name, so the order is total. Both policies
// must have passed Validate.
func (p Policy) stricterThan(o Policy) bool {
	lhs := p.Max * int64(o.Window/time.Second)
	rhs := o.Max * int64(p.Window/time.Second)
	if lhs != rhs {
		return lhs < rhs
	}
	if p.Max != o.Max {
		return p.Max < o.Max
	}
	return p.Name < o.Name
}

// Defaults returns the built-in policies.
func Defaults() []Policy {
	const day = 24 * time.Hour
	return []Policy{
		{Name: ChatbotFree, Max: 20, Window: day, Message: "Daily chatbot limit reached for the free plan. Upgrade your plan or try again tomorrow."},
		{Name: ChatbotBasic, Max: 100, Window: day, Message: "Daily chatbot limit reached for the basic plan. Try again tomorrow."},
		{Name: ChatbotPro, Max: 500, Window: day, Message: "Daily chatbot limit reached for the pro plan. Try again tomorrow."},
		{Name: ChatbotEnterprise, Max: 2000, Window: day, Message: "Daily chatbot limit reached for your organization. Try again tomorrow."},
		{Name: PlagiarismCheck, Max: 10, Window: time.Hour, Message: "Plagiarism check limit reached. Try again in an hour."},
		{Name: FileUpload, Max: 20, Window: time.Hour, Message: "Upload limit reached. Try again later."},
		{Name: APIGeneral, Max: 100, Window: time.Minute, Message: "Too many requests. Slow down and try again shortly."},
		{Name: CreateClass, Max: 10, Window: time.Hour, Message: "You have created too many classes recently. Try again later."},
		{Name: Invitations, Max: 50, Window: time.Hour, Message: "Invitation limit reached. Try again later."},
		{Name: Submissions, Max: 30, Window: time.Hour, Message: "Too many submissions in a short time. Try again later."},
	}
}

// Table is an immutable set of policies.
type Table struct {
	policies    map[string]Policy
	restrictive Policy
}

// NewTable validates policies and freezes them. Later entries replace
// earlier ones with the same name, so overrides go last.
func NewTable(policies ...Policy) (*Table, error) {
	if len(policies) == 0 {
		return nil, errors.New("policy table needs at least one policy")
	}
	t := &Table{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		p.Name = strings.ToUpper(p.Name)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		t.policies[p.Name] = p
	}
	first := true
	for _, p := range t.policies {
		if first || p.stricterThan(t.restrictive) {
			t.restrictive = p
			first = false
		}
	}
	return t, nil
}

// DefaultTable is NewTable over Defaults, which always validate.
func DefaultTable() *Table {
	t, err := NewTable(Defaults()...)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the named policy. On a miss it returns the most restrictive
// policy together with ErrPolicyNotFound, so callers can log and carry on.
func (t *Table) Lookup(name string) (Policy, error) {
	if p, ok := t.policies[strings.ToUpper(name)]; ok {
		return p, nil
	}
	return t.restrictive, fmt.Errorf("%w: %q", ErrPolicyNotFound, name)
}

// Chatbot returns the chatbot policy for a plan. Unknown plans get the
// strictest chatbot tier in the table, whichever plan that is after overrides.
func (t *Table) Chatbot(plan Plan) (Policy, error) {
	if name, ok := chatbotByPlan[Plan(strings.ToLower(string(plan)))]; ok {
		return t.Lookup(name)
	}

	var (
		strictest Policy
		found     bool
	)
	for _, name := range chatbotByPlan {
		p, ok := t.policies[name]
		if !ok {
			continue
		}
		if !found || p.stricterThan(strictest) {
			strictest, found = p, true
		}
	}
	if !found {
		strictest = t.restrictive
	}
	return strictest, fmt.Errorf("%w: chatbot plan %q", ErrPolicyNotFound, plan)
}

// MostRestrictive returns the policy with the lowest allowed rate.
func (t *Table) MostRestrictive() Policy {
	return t.restrictive
}

// All returns the policies sorted by name.
func (t *Table) All() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsKnown reports whether name is one of the built-in policies.
func IsKnown(name string) bool {
	name = strings.ToUpper(name)
	for _, p := range Defaults() {
		if p.Name == name {
			return true
		}
	}
	return false
}
