package audit

import "time"

// Action is the audited verb.
type Action string

const (
	ActionCreate         Action = "CREATE"
	ActionRead           Action = "READ"
	ActionUpdate         Action = "UPDATE"
	ActionDelete         Action = "DELETE"
	ActionLogin          Action = "LOGIN"
	ActionLogout         Action = "LOGOUT"
	ActionExport         Action = "EXPORT"
	ActionAccessDenied   Action = "ACCESS_DENIED"
	ActionConsentChange  Action = "CONSENT_CHANGE"
	ActionConfigChange   Action = "CONFIGURATION_CHANGE"
	ActionBreachDetected Action = "BREACH_DETECTED"
	ActionTenantMismatch Action = "TENANT_MISMATCH"
)

// Classification grades the sensitivity of the touched data.
type Classification string

const (
	ClassPHI            Classification = "PHI"
	ClassPII            Classification = "PII"
	ClassFinancial      Classification = "FINANCIAL"
	ClassAdministrative Classification = "ADMINISTRATIVE"
	ClassGeneral        Classification = "GENERAL"
)

// Record is one immutable audit log row. Created once, never updated or
// deleted by any code path; the Checksum makes out-of-band edits detectable.
type Record struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organization_id,omitempty"`
	ActorID         string         `json:"actor_id,omitempty"`
	Action          Action         `json:"action"`
	ResourceType    string         `json:"resource_type"`
	ResourceID      string         `json:"resource_id,omitempty"`
	OldValues       map[string]any `json:"old_values,omitempty"`
	NewValues       map[string]any `json:"new_values,omitempty"`
	Classification  Classification `json:"classification"`
	PHIAccessed     bool           `json:"phi_accessed"`
	ConsentVerified bool           `json:"consent_verified"`
	Elevated        bool           `json:"elevated"`
	Success         bool           `json:"success"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	IPAddress       string         `json:"ip_address,omitempty"`
	UserAgent       string         `json:"user_agent,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	Endpoint        string         `json:"endpoint,omitempty"`
	Method          string         `json:"method,omitempty"`
	ResponseStatus  int            `json:"response_status,omitempty"`
	DurationMS      int64          `json:"duration_ms,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	Checksum        string         `json:"checksum"`
}

// Filter selects audit records for queries. Zero values are ignored.
type Filter struct {
	OrganizationID string
	ActorID        string
	ResourceType   string
	ResourceID     string
	Action         Action
	Classification Classification
	PHIOnly        bool
	FailuresOnly   bool
	From           time.Time
	To             time.Time
	Limit          int
	Offset         int
}

// phiResources maps resource types that always carry protected health
// information. Mirrors the client-facing domain the audit core serves.
var phiResources = map[string]bool{
	"client":          true,
	"vitals":          true,
	"medication":      true,
	"incident_report": true,
	"health_record":   true,
	"phi_access":      true,
}

var piiResources = map[string]bool{
	"user":    true,
	"staff":   true,
	"contact": true,
}

var financialResources = map[string]bool{
	"billing": true,
	"payment": true,
	"invoice": true,
	"claim":   true,
}

var administrativeResources = map[string]bool{
	"organization": true,
	"role":         true,
	"permission":   true,
	"session":      true,
	"audit_record": true,
	"settings":     true,
}

// ClassifyResource assigns a default classification to a resource type.
func ClassifyResource(resourceType string) Classification {
	switch {
	case phiResources[resourceType]:
		return ClassPHI
	case piiResources[resourceType]:
		return ClassPII
	case financialResources[resourceType]:
		return ClassFinancial
	case administrativeResources[resourceType]:
		return ClassAdministrative
	default:
		return ClassGeneral
	}
}
