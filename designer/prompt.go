package designer

import (
	"context"
	"fmt"
)

const systemPrompt = "" +
	"You design soft slender robots built from pneumatic actuators.\n" +
	"Each actuator is a rod that bends, twists clockwise or twists counter clockwise.\n" +
	"Actuators may be linked serially or branched through connection links, and\n" +
	"actuation groups tie several actuator modes to one input to shrink the action space.\n" +
	"\n" +
	"Return STRICT JSON only (no markdown, no prose, no code fences) with keys:\n" +
	"- 'actuators': array of {id, mode, actuation_parameter, start_point, end_point, radius, orientation}\n" +
	"  - mode: array of 'bending' | 'twisting_clockwise' | 'twisting_counter_clockwise'\n" +
	"  - actuation_parameter: one entry per mode, either\n" +
	"    {bending_direction:[x,y,z], max_bending_magnitude} or\n" +
	"    {twisting_direction:'CW'|'CCW', max_twisting_magnitude}\n" +
	"  - start_point/end_point: {x,y,z}\n" +
	"  - orientation: {d1:[3], d2:[3], d3:[3]} with d3 along the rod\n" +
	"- 'connections': array of {actuators:[ids], rigid_link_locations:[{x,y,z}], orientation}\n" +
	"- 'actuation_groups': array of {name, actuators_actuation:[[actuator_id, mode_index]]}\n" +
	"\n" +
	"Use at most 10 actuators. Radii are small compared to rod length.\n"

func userPrompt(request string) string {
	return fmt.Sprintf("Design request: %s", request)
}

// mockDesign is a two-segment arm: a bending base with a twisting tip.
const mockDesign = `{
  "actuators": [
    {
      "id": "actuator_1",
      "mode": ["bending"],
      "actuation_parameter": [{"bending_direction": [1.0, 0.0, 0.0], "max_bending_magnitude": 1.5}],
      "start_point": {"x": 0.0, "y": 0.0, "z": 0.0},
      "end_point": {"x": 0.0, "y": 0.0, "z": 0.5},
      "radius": 0.03,
      "orientation": {"d1": [1.0, 0.0, 0.0], "d2": [0.0, 1.0, 0.0], "d3": [0.0, 0.0, 1.0]}
    },
    {
      "id": "actuator_2",
      "mode": ["twisting_clockwise"],
      "actuation_parameter": [{"twisting_direction": "CW", "max_twisting_magnitude": 0.8}],
      "start_point": {"x": 0.0, "y": 0.0, "z": 0.5},
      "end_point": {"x": 0.0, "y": 0.0, "z": 0.9},
      "radius": 0.025,
      "orientation": {"d1": [1.0, 0.0, 0.0], "d2": [0.0, 1.0, 0.0], "d3": [0.0, 0.0, 1.0]}
    }
  ],
  "connections": [
    {
      "actuators": ["actuator_1", "actuator_2"],
      "rigid_link_locations": [{"x": 0.0, "y": 0.0, "z": 0.5}],
      "orientation": {"d1": [1.0, 0.0, 0.0], "d2": [0.0, 1.0, 0.0], "d3": [0.0, 0.0, 1.0]}
    }
  ],
  "actuation_groups": [
    {"name": "base", "actuators_actuation": [["actuator_1", 0]]},
    {"name": "tip", "actuators_actuation": [["actuator_2", 0]]}
  ]
}`

type mockCompleter struct{}

func (mockCompleter) complete(_ context.Context, _, _ string) (string, error) {
	return mockDesign, nil
}
