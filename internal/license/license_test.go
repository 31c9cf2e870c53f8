package license

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnums_Valid(t *testing.T) {
	assert.True(t, TypeOpenSource.Valid())
	assert.True(t, TypeResearchOnly.Valid())
	assert.True(t, TypeRestricted.Valid())
	assert.False(t, LicenseType("OpenSource").Valid())
	assert.False(t, LicenseType("").Valid())

	assert.True(t, CommercialConditional.Valid())
	assert.False(t, CommercialUse("maybe").Valid())

	assert.True(t, VerdictDanger.Valid())
	assert.False(t, VerdictType("ok").Valid())
}

func TestFallback_ExactContent(t *testing.T) {
	fb := Fallback()
	assert.Equal(t, "Unknown License", fb.LicenseName)
	assert.Equal(t, TypeRestricted, fb.LicenseType)
	assert.Equal(t, CommercialConditional, fb.CommercialUse)
	assert.False(t, fb.ModificationAllowed)
	assert.False(t, fb.RedistributionAllowed)
	assert.Equal(t, []string{"Could not determine license automatically", "Manual review recommended"}, fb.Risks)
	assert.Equal(t, "License could not be automatically determined. Please review manually.", fb.Verdict)
	assert.Equal(t, VerdictWarning, fb.VerdictType)
	assert.True(t, fb.Valid())
	assert.True(t, fb.IsFallback())
}

func TestFallback_ReturnsIndependentCopies(t *testing.T) {
	a := Fallback()
	a.Risks[0] = "mutated"
	b := Fallback()
	assert.Equal(t, "Could not determine license automatically", b.Risks[0])
}

func TestWithProvenance(t *testing.T) {
	v := Verdict{LicenseName: "MIT", LicenseType: TypeOpenSource, CommercialUse: CommercialYes, VerdictType: VerdictSafe, Risks: []string{"Keep notice"}}

	tagged := v.WithProvenance("https://github.com/acme/widget", "acme/widget")
	assert.Equal(t, "GitHub", tagged.Source)
	assert.Equal(t, "https://github.com/acme/widget", tagged.URL)
	assert.Equal(t, "acme/widget", tagged.Title)

	untitled := v.WithProvenance("https://example.org/model", "")
	assert.Equal(t, "https://example.org/model", untitled.Title)
	assert.Equal(t, SourceOther, untitled.Source)

	tagged.Risks[0] = "changed"
	assert.Equal(t, "Keep notice", v.Risks[0], "provenance copy must not alias risks")
}

func TestVerdict_JSONFieldNames(t *testing.T) {
	raw, err := json.Marshal(Fallback())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"licenseName", "licenseType", "commercialUse", "modificationAllowed",
		"redistributionAllowed", "risks", "verdict", "verdictType", "source", "url", "title"} {
		assert.Contains(t, fields, key)
	}
}

func TestIsFallback_DetectsRealVerdict(t *testing.T) {
	v := Fallback()
	v.LicenseName = "MIT"
	assert.False(t, v.IsFallback())
}
