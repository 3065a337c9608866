package ratelimit

import "fmt"

// ServiceRates are the vendor quota limits of one service per window.
// Zero disables a scope.
type ServiceRates struct {
	Global  int
	PerUser int
}

// ServiceLimiter protects vendor quotas: a request to a service must fit
// both the service-wide bucket and the caller's bucket for that service.
type ServiceLimiter struct {
	limiter *Limiter
	rates   map[string]ServiceRates
}

func NewServiceLimiter(limiter *Limiter, rates map[string]ServiceRates) *ServiceLimiter {
	return &ServiceLimiter{limiter: limiter, rates: rates}
}

// Check consumes from every configured bucket of serviceID and returns the
// tightest decision along with the scope that rejected, if any.
func (s *ServiceLimiter) Check(serviceID, userID string) (Decision, string) {
	r, ok := s.rates[serviceID]
	if !ok || (r.Global == 0 && r.PerUser == 0) {
		return Decision{Allowed: true}, ""
	}

	type scopeCheck struct {
		scope string
		key   string
		rate  int
	}
	var checks []scopeCheck
	if r.Global > 0 {
		checks = append(checks, scopeCheck{"service", fmt.Sprintf("service:%s", serviceID), r.Global})
	}
	if r.PerUser > 0 {
		checks = append(checks, scopeCheck{"service_user", fmt.Sprintf("service:%s:user:%s", serviceID, userID), r.PerUser})
	}

	// Check before taking so a rejection in one scope does not drain another.
	for _, c := range checks {
		if d := s.limiter.Status(c.key, c.rate); !d.Allowed {
			return d, c.scope
		}
	}

	var tightest Decision
	for _, c := range checks {
		d := s.limiter.Take(c.key, c.rate)
		if !d.Allowed {
			return d, c.scope
		}
		if tightest.Limit == 0 || d.Remaining < tightest.Remaining {
			tightest = d
		}
	}
	return tightest, ""
}
