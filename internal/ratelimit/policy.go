package ratelimit

import (
	"context"
	"time"
)

// Policy applies the connect and report rules through a Limiter. Every
// check fails open.
type Policy struct {
	Limiter *Limiter
	Connect Rule
	Report  Rule
}

// NewPolicy creates a policy with the default rules.
func NewPolicy(l *Limiter) *Policy {
	return &Policy{Limiter: l, Connect: RuleConnect, Report: RuleReport}
}

// AllowConnect reports whether addr may open another connection. When it
// may not, retryAfter is the time until the window resets.
func (p *Policy) AllowConnect(ctx context.Context, addr string) (bool, time.Duration) {
	return p.check(ctx, addr, p.Connect)
}

// AllowReport reports whether deviceID may file another report. Requests
// without a device are not counted.
func (p *Policy) AllowReport(ctx context.Context, deviceID string) (bool, time.Duration) {
	if deviceID == "" {
		return true, 0
	}
	return p.check(ctx, deviceID, p.Report)
}

func (p *Policy) check(ctx context.Context, id string, rule Rule) (bool, time.Duration) {
	ok, _ := p.Limiter.Allow(ctx, id, rule)
	if ok {
		return true, 0
	}
	retryAfter, err := p.Limiter.RetryAfter(ctx, id, rule)
	if err != nil || retryAfter <= 0 {
		retryAfter = rule.Window
	}
	return false, retryAfter
}
