// Package nat estimates how likely a direct peer connection is to succeed by
// classifying the local NAT from the address candidates it produces.
package nat

import (
	"strings"
)

// Class is a coarse bucket of NAT behaviour.
type Class uint8

const (
	// ClassUnknown means classification could not run.
	ClassUnknown Class = iota
	// ClassPublic means only host candidates were seen.
	ClassPublic
	// ClassFullCone means a single reflexive mapping was seen.
	ClassFullCone
	// ClassRestrictedCone means two reflexive mappings were seen.
	ClassRestrictedCone
	// ClassPortRestricted means three or more reflexive mappings were seen.
	ClassPortRestricted
	// ClassSymmetric means only relayed or no usable candidates were seen.
	ClassSymmetric
)

var classNames = map[Class]string{
	ClassUnknown:        "unknown",
	ClassPublic:         "public",
	ClassFullCone:       "full-cone",
	ClassRestrictedCone: "restricted-cone",
	ClassPortRestricted: "port-restricted",
	ClassSymmetric:      "symmetric",
}

// String returns the wire name of the class.
func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseClass converts a wire name back to a Class.
func ParseClass(s string) Class {
	for c, name := range classNames {
		if name == s {
			return c
		}
	}
	return ClassUnknown
}

// Score is the estimated direct-connection success probability for c.
func (c Class) Score() int {
	switch c {
	case ClassPublic:
		return 95
	case ClassFullCone:
		return 90
	case ClassRestrictedCone:
		return 75
	case ClassPortRestricted, ClassUnknown:
		return 50
	default:
		return 20
	}
}

// Assessment is the result of one classification.
type Assessment struct {
	Class      Class
	Score      int
	Candidates int
}

// CandidateType is the "typ" attribute of an ICE candidate.
type CandidateType string

const (
	CandidateHost  CandidateType = "host"
	CandidateSrflx CandidateType = "srflx"
	CandidatePrflx CandidateType = "prflx"
	CandidateRelay CandidateType = "relay"
)

// ParseCandidateType extracts the candidate type from a candidate line such
// as "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host". It returns ""
// when no type is present.
func ParseCandidateType(line string) CandidateType {
	fields := strings.Fields(line)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "typ" {
			return CandidateType(fields[i+1])
		}
	}
	return ""
}

// Conclusive reports whether seeing this type allows the probe to stop early.
func (t CandidateType) Conclusive() bool {
	return t == CandidateSrflx || t == CandidateRelay
}

// Classify buckets a set of observed candidate types.
func Classify(types []CandidateType) Assessment {
	var host, srflx, relay int
	for _, t := range types {
		switch t {
		case CandidateHost:
			host++
		case CandidateSrflx:
			srflx++
		case CandidateRelay:
			relay++
		}
	}

	class := ClassSymmetric
	switch {
	case host > 0 && srflx == 0 && relay == 0:
		class = ClassPublic
	case srflx == 1:
		class = ClassFullCone
	case srflx == 2:
		class = ClassRestrictedCone
	case srflx >= 3:
		class = ClassPortRestricted
	}
	return Assessment{Class: class, Score: class.Score(), Candidates: len(types)}
}
