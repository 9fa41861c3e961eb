// Package negotiation selects a cipher suite from participants' capabilities.
package negotiation

import (
	"fmt"
	"sort"

	"pqratchet/internal/domain"
)

// Result is the agreed capability. Fallback is set when the sets had no
// common entry and classical-only was chosen instead.
type Result struct {
	Capability domain.Capability
	Fallback   bool
}

// Negotiate picks the best capability common to a and b. The result does
// not depend on argument order.
func Negotiate(a, b domain.CapabilitySet) (Result, error) {
	return NegotiateAll(a, b)
}

// NegotiateAll generalises Negotiate to any number of participants.
//
// The greatest commonly supported security level wins; at equal level the
// higher algorithm priority (hybrid over classical) wins. With no common
// entry, classical is chosen at the lowest of each side's best classical
// level if every side lists one; otherwise negotiation fails closed.
func NegotiateAll(sets ...domain.CapabilitySet) (Result, error) {
	if len(sets) == 0 {
		return Result{}, fmt.Errorf("no participants: %w", domain.ErrUnsupportedAlgorithm)
	}

	common := intersect(sets)
	if len(common) > 0 {
		sort.Slice(common, func(i, j int) bool { return better(common[i], common[j]) })
		return Result{Capability: common[0]}, nil
	}

	var level domain.SecurityLevel
	for i, s := range sets {
		best, ok := maxClassical(s)
		if !ok {
			return Result{}, fmt.Errorf("participant %d has no common or classical capability: %w", i, domain.ErrUnsupportedAlgorithm)
		}
		if i == 0 || best < level {
			level = best
		}
	}
	return Result{
		Capability: domain.Capability{Algorithm: domain.AlgorithmClassical, SecurityLevel: level},
		Fallback:   true,
	}, nil
}

// better orders capabilities strongest first.
func better(x, y domain.Capability) bool {
	if x.SecurityLevel != y.SecurityLevel {
		return x.SecurityLevel > y.SecurityLevel
	}
	if x.Algorithm.Priority() != y.Algorithm.Priority() {
		return x.Algorithm.Priority() > y.Algorithm.Priority()
	}
	return x.Algorithm < y.Algorithm
}

func intersect(sets []domain.CapabilitySet) []domain.Capability {
	var out []domain.Capability
	seen := make(map[domain.Capability]bool)
	for _, c := range sets[0] {
		if seen[c] || c.Algorithm.Priority() == 0 {
			continue
		}
		seen[c] = true
		all := true
		for _, s := range sets[1:] {
			if !s.Contains(c) {
				all = false
				break
			}
		}
		if all {
			out = append(out, c)
		}
	}
	return out
}

func maxClassical(s domain.CapabilitySet) (domain.SecurityLevel, bool) {
	var (
		best  domain.SecurityLevel
		found bool
	)
	for _, c := range s {
		if c.Algorithm == domain.AlgorithmClassical && (!found || c.SecurityLevel > best) {
			best, found = c.SecurityLevel, true
		}
	}
	return best, found
}
