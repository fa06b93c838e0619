package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/nhle/mailmirror/internal/model"
)

// RuleFilter is a configurable admission filter combining a body
// opt-out marker, subject keywords, a sender whitelist, a sender
// domain blacklist, and subject regex patterns. Rules are applied in
// that order; the default is allow.
type RuleFilter struct {
	optOutMarker string
	keywords     []string
	whitelist    []string
	blockedDoms  []string
	patterns     []*regexp.Regexp
	keywordTag   string
}

// NewRuleFilter builds a RuleFilter from configuration. Invalid
// subject patterns are dropped rather than failing construction.
func NewRuleFilter(cfg model.FilterConfig) *RuleFilter {
	f := &RuleFilter{
		optOutMarker: strings.ToLower(cfg.OptOutMarker),
		keywordTag:   cfg.KeywordTag,
	}
	for _, kw := range cfg.SubjectKeywords {
		f.keywords = append(f.keywords, strings.ToLower(kw))
	}
	for _, w := range cfg.SenderWhitelist {
		f.whitelist = append(f.whitelist, strings.ToLower(w))
	}
	for _, d := range cfg.BlockedDomains {
		f.blockedDoms = append(f.blockedDoms, strings.ToLower(d))
	}
	for _, p := range cfg.SubjectPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	return f
}

// Decide applies the rule chain to one message.
func (f *RuleFilter) Decide(
	_ context.Context, meta Metadata, body string,
) (Verdict, error) {
	subject := strings.ToLower(meta.Subject)
	sender := senderAddress(strings.ToLower(meta.Sender))

	// Quick opt-out marker in the body.
	if f.optOutMarker != "" &&
		strings.Contains(strings.ToLower(body), f.optOutMarker) {
		return Verdict{}, nil
	}

	for _, kw := range f.keywords {
		if strings.Contains(subject, kw) {
			v := Verdict{Allow: true}
			if f.keywordTag != "" {
				v.Overrides = map[string]any{"Tag": f.keywordTag}
			}
			return v, nil
		}
	}

	if senderListed(sender, f.whitelist) {
		return Verdict{Allow: true}, nil
	}

	for _, dom := range f.blockedDoms {
		if strings.HasSuffix(sender, "@"+dom) {
			return Verdict{}, nil
		}
	}

	for _, re := range f.patterns {
		if re.MatchString(meta.Subject) {
			return Verdict{Allow: true}, nil
		}
	}

	return Verdict{Allow: true}, nil
}

// senderAddress reduces a "Name <addr>" sender to the bare address.
func senderAddress(s string) string {
	if open := strings.LastIndex(s, "<"); open >= 0 {
		if end := strings.Index(s[open:], ">"); end > 0 {
			return s[open+1 : open+end]
		}
	}
	return s
}

// senderListed matches sender against whitelist entries: an exact
// address, an "@domain" suffix, or a bare domain.
func senderListed(sender string, whitelist []string) bool {
	for _, w := range whitelist {
		switch {
		case strings.HasPrefix(w, "@"):
			if strings.HasSuffix(sender, w) {
				return true
			}
		case !strings.Contains(w, "@"):
			if strings.HasSuffix(sender, "@"+w) {
				return true
			}
		default:
			if sender == w {
				return true
			}
		}
	}
	return false
}
