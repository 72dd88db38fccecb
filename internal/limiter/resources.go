package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Teachlyze/TamanduAI-new-sub010/internal/policy"
)

// Resource is a rate-limited action. Its String form is the key prefix.
type Resource int

const (
	ResourceChatbot Resource = iota
	ResourcePlagiarism
	ResourceFileUpload
	ResourceAPI
	ResourceCreateClass
	ResourceInvitation
	ResourceSubmission
)

var resourcePrefixes = [...]string{
	ResourceChatbot:     "chatbot",
	ResourcePlagiarism:  "plagiarism",
	ResourceFileUpload:  "upload",
	ResourceAPI:         "api",
	ResourceCreateClass: "create_class",
	ResourceInvitation:  "invitation",
	ResourceSubmission:  "submission",
}

var resourcePolicies = [...]string{
	ResourcePlagiarism:  policy.PlagiarismCheck,
	ResourceFileUpload:  policy.FileUpload,
	ResourceAPI:         policy.APIGeneral,
	ResourceCreateClass: policy.CreateClass,
	ResourceInvitation:  policy.Invitations,
	ResourceSubmission:  policy.Submissions,
}

func (r Resource) String() string {
	if r < 0 || int(r) >= len(resourcePrefixes) {
		return fmt.Sprintf("Resource(%d)", int(r))
	}
	return resourcePrefixes[r]
}

// Key builds the counter key for identifier, e.g. "chatbot:<userID>".
func (r Resource) Key(identifier string) string {
	return r.String() + ":" + identifier
}

// ParseResource maps a prefix such as "upload" back to its Resource.
// "file_upload" is accepted as an alias.
func ParseResource(s string) (Resource, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "file_upload" {
		return ResourceFileUpload, nil
	}
	for i, p := range resourcePrefixes {
		if p == s {
			return Resource(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resource %q", s)
}

// PolicyFor resolves the policy guarding r. plan only matters for the
// chatbot. Misses are logged and the most restrictive policy is used.
func (l *Limiter) PolicyFor(r Resource, plan policy.Plan) policy.Policy {
	var (
		p   policy.Policy
		err error
	)
	if r == ResourceChatbot {
		p, err = l.policies.Chatbot(plan)
	} else if r >= 0 && int(r) < len(resourcePolicies) {
		p, err = l.policies.Lookup(resourcePolicies[r])
	} else {
		p, err = l.policies.MostRestrictive(), fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, r)
	}
	if errors.Is(err, policy.ErrPolicyNotFound) {
		l.opts.Logger.Warn("Unknown rate limit policy, using most restrictive",
			"resource", r.String(), "plan", string(plan), "fallback", p.Name, "error", err)
	}
	return p
}

// CheckResource runs Check on the key and policy derived from r.
func (l *Limiter) CheckResource(ctx context.Context, r Resource, identifier string, plan policy.Plan) (*Result, error) {
	if identifier == "" {
		return nil, ErrInvalidKey
	}
	return l.Check(ctx, r.Key(identifier), l.PolicyFor(r, plan))
}

// PeekResource is the read-only counterpart of CheckResource.
func (l *Limiter) PeekResource(ctx context.Context, r Resource, identifier string, plan policy.Plan) (*Result, error) {
	if identifier == "" {
		return nil, ErrInvalidKey
	}
	return l.Peek(ctx, r.Key(identifier), l.PolicyFor(r, plan))
}

func (l *Limiter) CheckChatbot(ctx context.Context, userID string, plan policy.Plan) (*Result, error) {
	return l.CheckResource(ctx, ResourceChatbot, userID, plan)
}

func (l *Limiter) CheckPlagiarism(ctx context.Context, userID string) (*Result, error) {
	return l.CheckResource(ctx, ResourcePlagiarism, userID, "")
}

func (l *Limiter) CheckFileUpload(ctx context.Context, userID string) (*Result, error) {
	return l.CheckResource(ctx, ResourceFileUpload, userID, "")
}

// CheckAPI limits by client IP or API client id.
func (l *Limiter) CheckAPI(ctx context.Context, identifier string) (*Result, error) {
	return l.CheckResource(ctx, ResourceAPI, identifier, "")
}

func (l *Limiter) CheckCreateClass(ctx context.Context, userID string) (*Result, error) {
	return l.CheckResource(ctx, ResourceCreateClass, userID, "")
}

func (l *Limiter) CheckInvitation(ctx context.Context, userID string) (*Result, error) {
	return l.CheckResource(ctx, ResourceInvitation, userID, "")
}

func (l *Limiter) CheckSubmission(ctx context.Context, userID string) (*Result, error) {
	return l.CheckResource(ctx, ResourceSubmission, userID, "")
}
