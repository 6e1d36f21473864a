// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package templates

import "sync"

var builtinTemplates = []Template{
	{"doe_workflow_attic_air_sealing_and_insulation", "Attic Air Sealing and Insulation"},
	{"doe_combustion_appliance_safety_tests", "Combustion Appliance Safety Testing"},
	{"doe_workflow_duct_air_sealing", "Duct Air Sealing and Insulation"},
	{"doe_workflow_electric_cooking_appliances", "Electric Cooking Appliances"},
	{"doe_workflow_electric_wiring", "Electric Wiring"},
	{"doe_workflow_electric_load_service_center", "Electric Load Service Center"},
	{"doe_workflow_floor_airsealing_and_insulation", "Floor Air Sealing and Insulation Above Unconditioned Space"},
	{"doe_workflow_foundation_airsealing_and_insulation", "Foundation Wall Air Sealing and Insulation"},
	{"doe_workflow_full_frame_replacement_windows", "Full Frame Replacement Windows"},
	{"doe_workflow_heat_pump_cloth_dryer", "Heat Pump Clothes Dryer"},
	{"doe_workflow_central_ducted_split_heat_pump", "Heat Pump Ducted"},
	{"doe_workflow_ductless_heat_pump", "Heat Pump Ductless"},
	{"doe_workflow_heat_pump_water_heater", "Heat Pump Water Heater"},
	{"doe_workflow_high_efficiency_gas_furnace", "High Efficiency Gas Furnace"},
	{"doe_workflow_high_efficiency_modulating_boiler", "High Efficiency Modulating Boiler"},
	{"doe_workflow_high_efficiency_water_heater", "High Efficiency Water Heater"},
	{"doe_workflow_insert_replacement_windows", "Insert Replacement Windows"},
	{"doe_workflow_mechanical_ventilation", "Mechanical Ventilation"},
	{"doe_workflow_slab_foundation_exterior", "Slab Foundation Exterior Perimeter Sealing and Insulation"},
	{"doe_workflow_wall_air_sealing_and_insulation_exterior", "Wall Air Sealing and Insulation (Drill and Fill)"},
	{"ira_doe_workflow_limited_assessment", "IRA Limited Assessment"},
}

var builtinMeasures = []MeasureMapping{
	{"AIR_SEALING", []string{"Attic Air Sealing and Insulation"}},
	{"APPLIANCE", []string{"High Efficiency Water Heater", "High Efficiency Gas Furnace"}},
	{"CEILING_INSULATION", []string{"Attic Air Sealing and Insulation"}},
	{"COOLING_EQUIPMENT", []string{"Heat Pump Ducted", "Heat Pump Ductless"}},
	{"DUCT_INSULATION", []string{"Duct Air Sealing and Insulation"}},
	{"DUCT_SEALING", []string{"Duct Air Sealing and Insulation"}},
	{"FLOOR_INSULATION", []string{"Floor Air Sealing and Insulation Above Unconditioned Space"}},
	{"FOUNDATION_INSULATION", []string{"Foundation Wall Air Sealing and Insulation"}},
	{"HEATING_EQUIPMENT", []string{"Heat Pump Ducted", "Heat Pump Ductless", "High Efficiency Gas Furnace"}},
	{"VENTILATION", []string{"Mechanical Ventilation"}},
	{"WALL_INSULATION", []string{"Wall Air Sealing and Insulation (Drill and Fill)"}},
	{"WATER_HEATER", []string{"Heat Pump Water Heater", "High Efficiency Water Heater"}},
	{"WINDOW_ATTACHMENT", []string{"Insert Replacement Windows"}},
	{"WINDOW_REPLACEMENT", []string{"Full Frame Replacement Windows"}},
	{"ELECTRICAL_PANEL", []string{"Electric Load Service Center"}},
	{"ELECTRIC_COOKING_APPLIANCE", []string{"Electric Cooking Appliances"}},
	{"ELECTRIC_WIRING", []string{"Electric Wiring"}},
	{"HEAT_PUMP_CLOTHES_DRYER", []string{"Heat Pump Clothes Dryer"}},
	{"HEAT_PUMP_FOR_SPACE_HEATING_OR_COOLING", []string{"Heat Pump Ducted", "Heat Pump Ductless"}},
	{"HEAT_PUMP_WATER_HEATER", []string{"Heat Pump Water Heater"}},
	{"INSULATION_AIR_SEALING_VENTILATION", []string{
		"Attic Air Sealing and Insulation",
		"Wall Air Sealing and Insulation (Drill and Fill)",
		"Floor Air Sealing and Insulation Above Unconditioned Space",
		"Foundation Wall Air Sealing and Insulation",
		"Mechanical Ventilation",
	}},
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of the built-in workflows. It panics if a
// built-in name is invalid.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := NewRegistry(builtinTemplates, builtinMeasures)
		if err != nil {
			panic(err)
		}

		defaultRegistry = r
	})

	return defaultRegistry
}
