// Package dnscheck verifies the DNS records a sending domain publishes.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Check statuses.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid DKIM selector")
)

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks a DKIM selector label.
func ValidateSelector(selector string) error {
	if !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// TXTResolver looks up TXT records. *net.Resolver implements it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Result is one record check.
type Result struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report is the outcome of checking a sending domain.
type Report struct {
	Domain  string   `json:"domain"`
	Results []Result `json:"results"`
}

// OK reports whether no check failed or was missing.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if res.Status == StatusError || res.Status == StatusNotFound {
			return false
		}
	}
	return true
}

// Checker runs the checks against a resolver.
type Checker struct {
	resolver TXTResolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver TXTResolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckSender checks SPF, DKIM and DMARC for domain. When wantDKIM is not
// empty the published DKIM record must carry the same public key.
func (c *Checker) CheckSender(ctx context.Context, domain, selector, wantDKIM string) (*Report, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(selector); err != nil {
		return nil, err
	}

	return &Report{
		Domain: domain,
		Results: []Result{
			c.CheckSPF(ctx, domain),
			c.CheckDKIM(ctx, domain, selector, wantDKIM),
			c.CheckDMARC(ctx, domain),
		},
	}, nil
}

// lookup returns the TXT records of name. On failure it fills res and
// returns false.
func (c *Checker) lookup(ctx context.Context, name string, res *Result, missing string) ([]string, bool) {
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			res.Status = StatusNotFound
			res.Message = missing
			return nil, false
		}
		res.Status = StatusError
		res.Message = fmt.Sprintf("Lookup failed: %v", err)
		return nil, false
	}
	return records, true
}

// CheckSPF checks SPF record for a domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) Result {
	res := Result{Type: "SPF"}
	const missing = "No SPF record found"

	records, ok := c.lookup(ctx, domain, &res, missing)
	if !ok {
		return res
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		res.Status = StatusOK
		res.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			res.Status = StatusWarning
			res.Message = "SPF uses +all and allows any sender"
		case strings.Contains(txt, "-all"):
			res.Message = "Strict policy (-all)"
		case strings.Contains(txt, "~all"):
			res.Message = "Soft fail (~all)"
		}
		return res
	}

	res.Status = StatusNotFound
	res.Message = missing
	return res
}

// CheckDKIM checks the selector's DKIM record for a domain.
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, want string) Result {
	res := Result{Type: fmt.Sprintf("DKIM (%s._domainkey)", selector)}
	missing := fmt.Sprintf("No DKIM record for selector %q", selector)

	records, ok := c.lookup(ctx, selector+"._domainkey."+domain, &res, missing)
	if !ok {
		return res
	}

	// long keys are split across strings
	record := strings.Join(records, "")
	res.Value = truncate(record, 100)

	if !strings.Contains(record, "v=DKIM1") {
		res.Status = StatusWarning
		res.Message = "TXT record is not a DKIM record"
		return res
	}

	pub := tagValue(record, "p")
	switch {
	case pub == "":
		res.Status = StatusError
		res.Message = "DKIM record has no public key"
	case want != "" && pub != tagValue(want, "p"):
		res.Status = StatusError
		res.Message = "Published key does not match the signing key"
	default:
		res.Status = StatusOK
		res.Message = "DKIM key published"
	}
	return res
}

// CheckDMARC checks DMARC record for a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) Result {
	res := Result{Type: "DMARC"}
	const missing = "No DMARC record found"

	records, ok := c.lookup(ctx, "_dmarc."+domain, &res, missing)
	if !ok {
		return res
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=DMARC1") {
			continue
		}
		res.Status = StatusOK
		res.Value = txt
		if p := tagValue(txt, "p"); p == "none" {
			res.Status = StatusWarning
			res.Message = "Policy is none; failing mail is still delivered"
		} else {
			res.Message = "Policy " + p
		}
		return res
	}

	res.Status = StatusNotFound
	res.Message = missing
	return res
}

// tagValue returns the value of tag in a "k=v; k=v" record.
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.Join(strings.Fields(v), "")
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
