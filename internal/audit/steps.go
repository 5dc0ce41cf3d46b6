package audit

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

//go:embed step_definitions.yaml
var stepDefinitionsYAML []byte

const (
	stepDefinitionsParseErrorTemplateConstant     = "failed to parse step definitions: %w"
	stepDefinitionsUnknownTypeTemplateConstant    = "step definitions reference unknown audit type %s"
	stepDefinitionsEmptyStepsTemplateConstant     = "step definitions for audit type %s declare no steps"
	stepDefinitionsDuplicateStepTemplateConstant  = "step definitions for audit type %s declare duplicate step id %s"
	stepDefinitionsMissingFieldTemplateConstant   = "step definitions for audit type %s declare a step without an id or name"
	stepDefinitionsMissingTypeTemplateConstant    = "step definitions missing audit type %s"
	stepDefinitionsDuplicateAuditTemplateConstant = "step definitions declare audit type %s more than once"
)

// StepDefinition names one unit of work inside an audit type's step table.
type StepDefinition struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type auditStepDefinitions struct {
	AuditType Type             `yaml:"audit_type"`
	Steps     []StepDefinition `yaml:"steps"`
}

type stepDefinitionsDocument struct {
	Audits []auditStepDefinitions `yaml:"audits"`
}

var stepDefinitionTables = mustLoadStepDefinitionTables(stepDefinitionsYAML)

func mustLoadStepDefinitionTables(documentBytes []byte) map[Type][]StepDefinition {
	tables, loadError := loadStepDefinitionTables(documentBytes)
	if loadError != nil {
		panic(loadError)
	}
	return tables
}

func loadStepDefinitionTables(documentBytes []byte) (map[Type][]StepDefinition, error) {
	var document stepDefinitionsDocument
	if unmarshalError := yaml.Unmarshal(documentBytes, &document); unmarshalError != nil {
		return nil, fmt.Errorf(stepDefinitionsParseErrorTemplateConstant, unmarshalError)
	}

	tables := make(map[Type][]StepDefinition, len(document.Audits))
	for _, auditDefinitions := range document.Audits {
		if !KnownType(auditDefinitions.AuditType) {
			return nil, fmt.Errorf(stepDefinitionsUnknownTypeTemplateConstant, auditDefinitions.AuditType)
		}
		if _, alreadyDeclared := tables[auditDefinitions.AuditType]; alreadyDeclared {
			return nil, fmt.Errorf(stepDefinitionsDuplicateAuditTemplateConstant, auditDefinitions.AuditType)
		}
		if len(auditDefinitions.Steps) == 0 {
			return nil, fmt.Errorf(stepDefinitionsEmptyStepsTemplateConstant, auditDefinitions.AuditType)
		}

		seenStepIdentifiers := make(map[string]struct{}, len(auditDefinitions.Steps))
		for _, stepDefinition := range auditDefinitions.Steps {
			if len(strings.TrimSpace(stepDefinition.ID)) == 0 || len(strings.TrimSpace(stepDefinition.Name)) == 0 {
				return nil, fmt.Errorf(stepDefinitionsMissingFieldTemplateConstant, auditDefinitions.AuditType)
			}
			if _, duplicated := seenStepIdentifiers[stepDefinition.ID]; duplicated {
				return nil, fmt.Errorf(stepDefinitionsDuplicateStepTemplateConstant, auditDefinitions.AuditType, stepDefinition.ID)
			}
			seenStepIdentifiers[stepDefinition.ID] = struct{}{}
		}

		tables[auditDefinitions.AuditType] = auditDefinitions.Steps
	}

	for _, knownType := range Types() {
		if _, declared := tables[knownType]; !declared {
			return nil, fmt.Errorf(stepDefinitionsMissingTypeTemplateConstant, knownType)
		}
	}

	return tables, nil
}

// StepDefinitions returns the ordered step table for the requested audit type.
func StepDefinitions(auditType Type) []StepDefinition {
	definitions := stepDefinitionTables[auditType]
	duplicated := make([]StepDefinition, len(definitions))
	copy(duplicated, definitions)
	return duplicated
}

// NewResult initializes a fresh run of the requested audit type with every
// step pending, in step-table order.
func NewResult(auditType Type, clock Clock) *Result {
	if clock == nil {
		clock = SystemClock{}
	}

	definitions := StepDefinitions(auditType)
	steps := make([]Step, 0, len(definitions))
	for _, definition := range definitions {
		steps = append(steps, Step{
			ID:          definition.ID,
			Name:        definition.Name,
			Description: definition.Description,
			Status:      StepStatusPending,
		})
	}

	return &Result{
		ID:        uuid.NewString(),
		AuditType: auditType,
		Status:    StepStatusRunning,
		Steps:     steps,
		StartedAt: clock.Now().UTC(),
	}
}
