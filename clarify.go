package matdisc

import (
	"regexp"
	"strings"
)

// ClarifyPolicy gates the agent's clarifying questions. ShouldAsk sees the
// user's message and the user's known facts; returning false converts the
// ask into a best-effort answer from what the agent already has.
type ClarifyPolicy interface {
	ShouldAsk(query string, facts []Fact) bool
}

// ClarifyFunc adapts a function to a ClarifyPolicy.
type ClarifyFunc func(query string, facts []Fact) bool

func (f ClarifyFunc) ShouldAsk(query string, facts []Fact) bool { return f(query, facts) }

// AlwaysClarify allows every ask (budget still applies).
var AlwaysClarify = ClarifyFunc(func(string, []Fact) bool { return true })

var (
	// A chemical formula like Fe2O3, LiFePO4, GaN.
	formulaRe = regexp.MustCompile(`\b(?:[A-Z][a-z]?\d*){2,}\b`)
	// A Materials Project id like mp-1234.
	mpIDRe = regexp.MustCompile(`\bmp-\d+\b`)
	// A SureChEMBL id like SCHEMBL1234.
	schemblRe = regexp.MustCompile(`\bSCHEMBL\d+\b`)
	// Rough SMILES shape: ring-bond or branch punctuation inside a token.
	smilesRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9@+\-\[\]\(\)=#/\\]*[\(\)\[\]=#]`)
)

// propertyKeywords are search attributes that make a materials query
// answerable without asking anything.
var propertyKeywords = []string{
	"band gap", "bandgap", "formation energy", "energy above hull",
	"density", "bulk modulus", "shear modulus", "magnetization",
	"conductivity", "stability", "stable", "melting", "solubility",
	"toxicity", "logp", "xlogp", "tpsa", "molecular weight",
	"patent", "smiles", "inchi", "formula", "structure",
}

// conservativeClarify asks only when the query carries no canonical search
// attribute at all: no formula, no database id, no structure string, no
// property keyword. A query with any concrete handle proceeds without
// asking.
type conservativeClarify struct{}

// DefaultClarifyPolicy returns the conservative policy.
func DefaultClarifyPolicy() ClarifyPolicy { return conservativeClarify{} }

func (conservativeClarify) ShouldAsk(query string, facts []Fact) bool {
	if formulaRe.MatchString(query) || mpIDRe.MatchString(query) ||
		schemblRe.MatchString(query) || smilesRe.MatchString(query) {
		return false
	}
	lower := strings.ToLower(query)
	for _, kw := range propertyKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}
