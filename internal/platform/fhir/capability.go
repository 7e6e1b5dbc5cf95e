package fhir

import "time"

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode        string          `json:"mode"`
	Resource    []CSResource    `json:"resource"`
	Interaction []CSInteraction `json:"interaction,omitempty"`
}

type CSResource struct {
	Type              string          `json:"type"`
	Interaction       []CSInteraction `json:"interaction"`
	SearchParam       []CSSearchParam `json:"searchParam,omitempty"`
	SearchInclude     []string        `json:"searchInclude,omitempty"`
	SearchRevInclude  []string        `json:"searchRevInclude,omitempty"`
	Versioning        string          `json:"versioning,omitempty"`
	ReadHistory       bool            `json:"readHistory,omitempty"`
	ConditionalCreate bool            `json:"conditionalCreate,omitempty"`
	ConditionalUpdate bool            `json:"conditionalUpdate,omitempty"`
	ConditionalDelete string          `json:"conditionalDelete,omitempty"`
}

type CSInteraction struct {
	Code string `json:"code"`
}

type CSSearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewCapabilityStatement creates the server's capability statement.
func NewCapabilityStatement(baseURL string, resources []CSResource) *CapabilityStatement {
	return &CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         time.Now().UTC().Format("2006-01-02"),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"json"},
		Implementation: &CSImplementation{
			Description: "Embedded FHIR R4 resource store",
			URL:         baseURL,
		},
		Rest: []CSRest{
			{
				Mode:     "server",
				Resource: resources,
				Interaction: []CSInteraction{
					{Code: "transaction"},
					{Code: "batch"},
				},
			},
		},
	}
}

// ResourceCapability creates a CSResource with the standard interactions.
func ResourceCapability(resourceType string, searchParams []CSSearchParam) CSResource {
	return CSResource{
		Type: resourceType,
		Interaction: []CSInteraction{
			{Code: "read"},
			{Code: "vread"},
			{Code: "search-type"},
			{Code: "create"},
			{Code: "update"},
			{Code: "delete"},
			{Code: "history-instance"},
		},
		SearchParam:       searchParams,
		SearchInclude:     []string{"*"},
		SearchRevInclude:  []string{"*"},
		Versioning:        "versioned",
		ReadHistory:       true,
		ConditionalCreate: true,
		ConditionalUpdate: true,
		ConditionalDelete: "single",
	}
}
