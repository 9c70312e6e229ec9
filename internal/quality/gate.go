package quality

import (
	"fmt"
	"regexp"

	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

const (
	GateMaxScore  = 5
	GatePassScore = 4

	fullCaseCredit    = 5
	partialCaseCredit = 3
)

// GateResult is the counsel-ready verdict. Issues are hard failures; Notes
// explain points that were not awarded.
type GateResult struct {
	Applicable bool     `json:"applicable"`
	Passed     bool     `json:"passed"`
	Score      int      `json:"score"`
	MaxScore   int      `json:"max_score"`
	Issues     []string `json:"issues,omitempty"`
	Notes      []string `json:"notes,omitempty"`
}

var (
	authoritySection = regexp.MustCompile(`(?im)^\s*(?:#{1,6}\s*|\*\*)?(?:controlling |relevant |key |legal )?(?:authorit(?:y|ies)|case law|precedent)\b`)
	strategySection  = regexp.MustCompile(`(?im)^\s*(?:#{1,6}\s*|\*\*)?strateg(?:ic assessment|y)\b`)

	holdingLanguage     = regexp.MustCompile(`(?i)\b(?:held that|holding|the court (?:held|found|ruled)|ruled that)\b`)
	applicationLanguage = regexp.MustCompile(`(?i)(?:\bhere,|\bin this case\b|\bapplied to (?:these|your|our) facts\b|\byour client\b|\bon these facts\b|\bin your matter\b)`)
	riskLanguage        = regexp.MustCompile(`(?i)(?:\brisks?\b|\bprobability\b|\blikelihood\b|\bsettle(?:ment)?\b|\b\d{1,3}\s?%)`)
	placeholder         = regexp.MustCompile(`(?i)(?:\[(?:insert|todo|tbd|citation needed)[^\]]*\]|\bTODO\b|\bX{3,}\b|\blorem ipsum\b)`)
)

// CounselReadyGate applies the stricter professional-use check to a THOROUGH
// answer. It is independent of Score and never alters it.
func CounselReadyGate(answer string, mode models.Mode) GateResult {
	res := GateResult{MaxScore: GateMaxScore}
	if mode != models.ModeThorough {
		res.Notes = append(res.Notes, "counsel-ready gate applies to THOROUGH answers only")
		return res
	}
	res.Applicable = true

	cases := len(NamedCases(answer))
	switch {
	case cases >= fullCaseCredit:
		res.Score += 2
	case cases >= partialCaseCredit:
		res.Score++
		res.Notes = append(res.Notes, fmt.Sprintf("%d named cases cited; %d needed for full credit", cases, fullCaseCredit))
	default:
		res.Issues = append(res.Issues, fmt.Sprintf("only %d named cases cited; at least %d required", cases, partialCaseCredit))
	}

	hasAuthority := authoritySection.MatchString(answer)
	hasStrategy := strategySection.MatchString(answer)
	if hasAuthority && hasStrategy {
		res.Score++
	}
	if !hasAuthority {
		res.Issues = append(res.Issues, "missing authority section")
	}
	if !hasStrategy {
		res.Issues = append(res.Issues, "missing strategic assessment section")
	}

	hasHolding := holdingLanguage.MatchString(answer)
	hasApplication := applicationLanguage.MatchString(answer)
	switch {
	case hasHolding && hasApplication:
		res.Score++
	case !hasHolding:
		res.Notes = append(res.Notes, "no explicit holdings stated")
	default:
		res.Notes = append(res.Notes, "holdings are not applied to the client's facts")
	}

	if riskLanguage.MatchString(answer) {
		res.Score++
	} else {
		res.Notes = append(res.Notes, "no risk, probability or settlement discussion")
	}

	if placeholder.MatchString(answer) {
		res.Issues = append(res.Issues, "answer contains placeholder text")
	}

	res.Passed = res.Score >= GatePassScore && len(res.Issues) == 0
	return res
}
