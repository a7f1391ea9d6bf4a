// Package coding holds the FHIR coding-system constants and small
// matching helpers shared by the sync engine and the capability mapper.
package coding

import "github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

const (
	// URANamingSystem is the identifier system for the Dutch healthcare
	// organization identifier (URA).
	URANamingSystem = "http://fhir.nl/fhir/NamingSystem/ura"

	// MCSDPayloadTypeSystem codes an Endpoint's advertised capability.
	MCSDPayloadTypeSystem = "http://ihe.net/fhir/ihe.formatcode.fhir/CodeSystem/formatcode"

	// MCSDPayloadTypeDirectoryCode marks an Endpoint as an mCSD directory
	// endpoint (i.e. another directory server worth discovering and
	// registering for administration-directory sync, even when it lives
	// behind a discoverable/root directory).
	MCSDPayloadTypeDirectoryCode = "urn:ihe:iti:mcsd:2019:directory"

	// TwiinNotificationCapabilityCode identifies an Endpoint that accepts
	// Twiin/BgZ notification Tasks.
	TwiinNotificationCapabilityCode = "twiin-ta-notification"

	// BgZFHIRServerCapabilityCode identifies an Endpoint that serves BgZ
	// FHIR data (the base a receiver pulls from after a notification).
	BgZFHIRServerCapabilityCode = "bgz-fhir-server"

	// TaskSTU3LocationExtensionURL carries a Location reference on a
	// notification Task, since R4 Task.owner cannot target a Location
	// directly (a Twiin/BgZ STU3 compatibility extension).
	TaskSTU3LocationExtensionURL = "https://profiles.twiin.nl/StructureDefinition/task-stu3-location"

	// TaskSTU3HealthcareServiceExtensionURL is the HealthcareService
	// analogue of TaskSTU3LocationExtensionURL.
	TaskSTU3HealthcareServiceExtensionURL = "https://profiles.twiin.nl/StructureDefinition/task-stu3-healthcareservice"

	// TaskInputCodeSystem codes the notification Task's input parameters.
	TaskInputCodeSystem = "https://profiles.twiin.nl/CodeSystem/task-input-type"

	// AuthorizationBaseInputCode labels the opaque authorization token
	// Task.input entry a receiver uses to pull the referenced BgZ data.
	AuthorizationBaseInputCode = "authorization-base"

	// GetWorkflowTaskInputCode labels the Task.input flag telling the
	// receiver it must fetch the sender's Workflow Task for full context.
	GetWorkflowTaskInputCode = "get-workflow-task"

	// RequesterAgentInputCode labels the Task.input entry carrying the
	// sender system's own identifier value (the requester agent), so a
	// receiver can locate it by code the same way it does the other
	// input entries.
	RequesterAgentInputCode = "requester-agent"
)

// PayloadCoding is the coding used to mark an Endpoint as an mCSD
// directory endpoint.
var PayloadCoding = fhir.Coding{
	System: ptrStr(MCSDPayloadTypeSystem),
	Code:   ptrStr(MCSDPayloadTypeDirectoryCode),
}

func ptrStr(s string) *string { return &s }

// CodablesIncludesCode reports whether any coding in codings carries the
// same code as needle (system is also compared when needle.System is set).
func CodablesIncludesCode(codings []fhir.CodeableConcept, needle fhir.Coding) bool {
	for _, cc := range codings {
		for _, c := range cc.Coding {
			if codingMatches(c, needle) {
				return true
			}
		}
	}
	return false
}

func codingMatches(have, want fhir.Coding) bool {
	if have.Code == nil || want.Code == nil || *have.Code != *want.Code {
		return false
	}
	if want.System != nil {
		if have.System == nil || *have.System != *want.System {
			return false
		}
	}
	return true
}

// CapabilityToken is a matchable form of a required capability: either
// "system|code" or a bare "code". Endpoint.payloadType codings are
// checked against both forms, per the original capability-mapping
// endpoint's token-building helper.
type CapabilityToken struct {
	System string // empty means "don't compare system"
	Code   string
}

// TokensForCode builds the token forms tried against an Endpoint's
// payloadType codings for a single required capability code: the bare
// code, plus the system|code pair when system is non-empty.
func TokensForCode(system, code string) []CapabilityToken {
	tokens := []CapabilityToken{{Code: code}}
	if system != "" {
		tokens = append(tokens, CapabilityToken{System: system, Code: code})
	}
	return tokens
}

// MatchesAnyToken reports whether any coding across payloadType matches
// any of tokens.
func MatchesAnyToken(payloadType []fhir.CodeableConcept, tokens []CapabilityToken) bool {
	for _, cc := range payloadType {
		for _, c := range cc.Coding {
			if c.Code == nil {
				continue
			}
			for _, t := range tokens {
				if *c.Code != t.Code {
					continue
				}
				if t.System == "" {
					return true
				}
				if c.System != nil && *c.System == t.System {
					return true
				}
			}
		}
	}
	return false
}
