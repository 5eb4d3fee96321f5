// Package design defines the soft-robot design document that the design agent
// produces and simulation backends consume.
//
// Validation is structural only: required fields, value ranges, enumerations and
// references between actuators, connections and actuation groups.
package design

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// ActuatorMode is the actuation mode of a single actuator.
type ActuatorMode string

const (
	ModeBending                  ActuatorMode = "bending"
	ModeTwistingClockwise        ActuatorMode = "twisting_clockwise"
	ModeTwistingCounterClockwise ActuatorMode = "twisting_counter_clockwise"
)

// Vec3 is a lab-frame 3-vector.
type Vec3 [3]float64

type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// RotationMatrix holds the three director vectors; D3 runs along the actuation direction.
type RotationMatrix struct {
	D1 Vec3 `json:"d1"`
	D2 Vec3 `json:"d2"`
	D3 Vec3 `json:"d3"`
}

// Q returns the rows of the rotation matrix.
func (r RotationMatrix) Q() [3]Vec3 {
	return [3]Vec3{r.D1, r.D2, r.D3}
}

// ActuationParameter is either a bending or a twisting parameter. Exactly one
// of the two groups of fields is set.
type ActuationParameter struct {
	BendingDirection    *Vec3    `json:"bending_direction,omitempty"`
	MaxBendingMagnitude *float64 `json:"max_bending_magnitude,omitempty" validate:"omitempty,gte=0"`

	TwistingDirection    string   `json:"twisting_direction,omitempty" validate:"omitempty,oneof=CW CCW" jsonschema:"enum=CW,enum=CCW"`
	MaxTwistingMagnitude *float64 `json:"max_twisting_magnitude,omitempty" validate:"omitempty,gte=0"`
}

func (p ActuationParameter) isBending() bool {
	return p.BendingDirection != nil && p.MaxBendingMagnitude != nil
}

func (p ActuationParameter) isTwisting() bool {
	return p.TwistingDirection != "" && p.MaxTwistingMagnitude != nil
}

type Actuator struct {
	ID                 string               `json:"id" validate:"required"`
	Mode               []ActuatorMode       `json:"mode" validate:"required,min=1,dive,oneof=bending twisting_clockwise twisting_counter_clockwise" jsonschema:"minItems=1"`
	ActuationParameter []ActuationParameter `json:"actuation_parameter" validate:"dive"`
	StartPoint         Point3D              `json:"start_point"`
	EndPoint           Point3D              `json:"end_point"`
	Radius             float64              `json:"radius" validate:"gt=0" jsonschema:"exclusiveMinimum=0"`
	Orientation        RotationMatrix       `json:"orientation"`
}

type Connection struct {
	Actuators          []string       `json:"actuators" validate:"required,dive,required"`
	RigidLinkLocations []Point3D      `json:"rigid_link_locations"`
	Orientation        RotationMatrix `json:"orientation"`
}

// ActuatorRef is an (actuator id, mode index) pair encoded as a two-element JSON array.
type ActuatorRef struct {
	ActuatorID string
	ModeIndex  int
}

func (a ActuatorRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.ActuatorID, a.ModeIndex})
}

func (a *ActuatorRef) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("actuator reference must be a [id, index] pair: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("actuator reference must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &a.ActuatorID); err != nil {
		return fmt.Errorf("actuator reference id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &a.ModeIndex); err != nil {
		return fmt.Errorf("actuator reference index: %w", err)
	}
	return nil
}

// JSONSchema describes the pair form for schema generation.
func (ActuatorRef) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "array",
		PrefixItems: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "integer"},
		},
		MinItems: uint64Ptr(2),
		MaxItems: uint64Ptr(2),
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }

type ActuationGroup struct {
	Name               string        `json:"name" validate:"required"`
	ActuatorsActuation []ActuatorRef `json:"actuators_actuation"`
}

// RobotDesignSchema is the full design document.
type RobotDesignSchema struct {
	Actuators       []Actuator       `json:"actuators" validate:"dive"`
	Connections     []Connection     `json:"connections" validate:"dive"`
	ActuationGroups []ActuationGroup `json:"actuation_groups" validate:"dive"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidationError lists every structural problem found in a design.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid robot design: " + strings.Join(e.Problems, "; ")
}

// Validate checks the design structurally and returns a *ValidationError
// describing every problem found.
func (s *RobotDesignSchema) Validate() error {
	var problems []string

	if err := getValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "RobotDesignSchema."), fe.Tag()))
		}
	}

	modes := make(map[string]int, len(s.Actuators))
	for i, a := range s.Actuators {
		if _, dup := modes[a.ID]; dup && a.ID != "" {
			problems = append(problems, fmt.Sprintf("actuators[%d]: duplicate id %q", i, a.ID))
		}
		modes[a.ID] = len(a.Mode)
		if len(a.ActuationParameter) != len(a.Mode) {
			problems = append(problems, fmt.Sprintf("actuators[%d]: %d modes but %d actuation parameters", i, len(a.Mode), len(a.ActuationParameter)))
			continue
		}
		for j, p := range a.ActuationParameter {
			bending, twisting := p.isBending(), p.isTwisting()
			switch {
			case bending == twisting:
				problems = append(problems, fmt.Sprintf("actuators[%d].actuation_parameter[%d]: must be exactly one of bending or twisting", i, j))
			case a.Mode[j] == ModeBending && !bending:
				problems = append(problems, fmt.Sprintf("actuators[%d].actuation_parameter[%d]: bending mode needs a bending parameter", i, j))
			case a.Mode[j] != ModeBending && !twisting:
				problems = append(problems, fmt.Sprintf("actuators[%d].actuation_parameter[%d]: twisting mode needs a twisting parameter", i, j))
			}
		}
	}

	for i, c := range s.Connections {
		for _, id := range c.Actuators {
			if _, ok := modes[id]; !ok {
				problems = append(problems, fmt.Sprintf("connections[%d]: unknown actuator %q", i, id))
			}
		}
	}

	for i, g := range s.ActuationGroups {
		for _, ref := range g.ActuatorsActuation {
			n, ok := modes[ref.ActuatorID]
			if !ok {
				problems = append(problems, fmt.Sprintf("actuation_groups[%d]: unknown actuator %q", i, ref.ActuatorID))
				continue
			}
			if ref.ModeIndex < 0 || ref.ModeIndex >= n {
				problems = append(problems, fmt.Sprintf("actuation_groups[%d]: mode index %d out of range for actuator %q", i, ref.ModeIndex, ref.ActuatorID))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Parse decodes and validates a design document.
func Parse(b []byte) (*RobotDesignSchema, error) {
	var s RobotDesignSchema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode robot design: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// FromMap converts an already-decoded JSON object (e.g. a field of a build
// schema) into a validated design.
func FromMap(m map[string]any) (*RobotDesignSchema, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode robot design: %w", err)
	}
	return Parse(b)
}

// Schema returns the JSON Schema document for RobotDesignSchema.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	return json.Marshal(r.Reflect(&RobotDesignSchema{}))
}
