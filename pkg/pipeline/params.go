package pipeline

import "strings"

// DefaultFIPSCode is used when a submission does not carry a FIPS-like code.
// Non-US cities have no meaningful code, so the analyzer expects "0".
const DefaultFIPSCode = "0"

// AnalysisParameters is the city identity tuple carried by a submission.
//
// Region and FIPSCode are optional on the wire. Sanitized() fills them with
// the conventional fallbacks before the tuple is used to derive storage
// paths or task parameters.
type AnalysisParameters struct {
	Country  string `json:"country"`
	City     string `json:"city"`
	Region   string `json:"region,omitempty"`
	FIPSCode string `json:"fips_code,omitempty"`
}

// Sanitized returns a copy with the fallback rules applied: a missing
// region falls back to the country name, a missing FIPS code to "0".
func (p AnalysisParameters) Sanitized() AnalysisParameters {
	out := AnalysisParameters{
		Country:  strings.TrimSpace(p.Country),
		City:     strings.TrimSpace(p.City),
		Region:   strings.TrimSpace(p.Region),
		FIPSCode: strings.TrimSpace(p.FIPSCode),
	}
	if out.Region == "" {
		out.Region = out.Country
	}
	if out.FIPSCode == "" {
		out.FIPSCode = DefaultFIPSCode
	}
	return out
}

// Validate reports whether the tuple is usable at all. Country and city are
// the only hard requirements; everything else has a fallback.
func (p AnalysisParameters) Validate() error {
	if strings.TrimSpace(p.Country) == "" {
		return &Fault{Kind: FaultValidation, Reason: "submission is missing a country"}
	}
	if strings.TrimSpace(p.City) == "" {
		return &Fault{Kind: FaultValidation, Reason: "submission is missing a city"}
	}
	return nil
}
