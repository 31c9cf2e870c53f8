// Package license defines the typed license verdict produced by a scan.
//
// A Verdict is built once per scan and never mutated afterwards. Its three
// enumerated fields are always one of their allowed values; anything the
// completion service emits outside those sets is replaced by Fallback().
package license

import "slices"

// LicenseType is the broad class of a license.
type LicenseType string

const (
	TypeOpenSource   LicenseType = "Open Source"
	TypeResearchOnly LicenseType = "Research Only"
	TypeRestricted   LicenseType = "Restricted"
)

// Valid reports whether t is one of the enumerated license types.
func (t LicenseType) Valid() bool {
	switch t {
	case TypeOpenSource, TypeResearchOnly, TypeRestricted:
		return true
	}
	return false
}

// CommercialUse says whether a license permits commercial use.
type CommercialUse string

const (
	CommercialYes         CommercialUse = "yes"
	CommercialNo          CommercialUse = "no"
	CommercialConditional CommercialUse = "conditional"
)

func (c CommercialUse) Valid() bool {
	switch c {
	case CommercialYes, CommercialNo, CommercialConditional:
		return true
	}
	return false
}

// VerdictType is the traffic-light summary shown to the user.
type VerdictType string

const (
	VerdictSafe    VerdictType = "safe"
	VerdictWarning VerdictType = "warning"
	VerdictDanger  VerdictType = "danger"
)

func (v VerdictType) Valid() bool {
	switch v {
	case VerdictSafe, VerdictWarning, VerdictDanger:
		return true
	}
	return false
}

// Verdict is the classification result for one scanned URL.
type Verdict struct {
	LicenseName           string        `json:"licenseName"`
	LicenseType           LicenseType   `json:"licenseType"`
	CommercialUse         CommercialUse `json:"commercialUse"`
	ModificationAllowed   bool          `json:"modificationAllowed"`
	RedistributionAllowed bool          `json:"redistributionAllowed"`
	Risks                 []string      `json:"risks"`
	Verdict               string        `json:"verdict"`
	VerdictType           VerdictType   `json:"verdictType"`
	Source                string        `json:"source"`
	URL                   string        `json:"url"`
	Title                 string        `json:"title"`
}

// Valid reports whether every enumerated field holds an allowed value.
func (v Verdict) Valid() bool {
	return v.LicenseType.Valid() && v.CommercialUse.Valid() && v.VerdictType.Valid()
}

// WithProvenance returns a copy of v tagged with where it came from.
// An empty title falls back to the URL.
func (v Verdict) WithProvenance(rawURL, title string) Verdict {
	out := v.clone()
	out.URL = rawURL
	out.Source = SourceFor(rawURL)
	out.Title = title
	if out.Title == "" {
		out.Title = rawURL
	}
	return out
}

func (v Verdict) clone() Verdict {
	out := v
	out.Risks = slices.Clone(v.Risks)
	if out.Risks == nil {
		out.Risks = []string{}
	}
	return out
}

// Fallback verdict text. Callers compare against these byte for byte.
const (
	FallbackLicenseName = "Unknown License"
	FallbackVerdictText = "License could not be automatically determined. Please review manually."
)

var fallbackRisks = []string{
	"Could not determine license automatically",
	"Manual review recommended",
}

// Fallback returns the cautious verdict used whenever the completion output
// cannot be trusted. Each call returns an independent copy.
func Fallback() Verdict {
	return Verdict{
		LicenseName:           FallbackLicenseName,
		LicenseType:           TypeRestricted,
		CommercialUse:         CommercialConditional,
		ModificationAllowed:   false,
		RedistributionAllowed: false,
		Risks:                 slices.Clone(fallbackRisks),
		Verdict:               FallbackVerdictText,
		VerdictType:           VerdictWarning,
	}
}

// IsFallback reports whether v carries the fallback classification,
// ignoring provenance fields.
func (v Verdict) IsFallback() bool {
	fb := Fallback()
	return v.LicenseName == fb.LicenseName &&
		v.LicenseType == fb.LicenseType &&
		v.CommercialUse == fb.CommercialUse &&
		v.ModificationAllowed == fb.ModificationAllowed &&
		v.RedistributionAllowed == fb.RedistributionAllowed &&
		slices.Equal(v.Risks, fb.Risks) &&
		v.Verdict == fb.Verdict &&
		v.VerdictType == fb.VerdictType
}
