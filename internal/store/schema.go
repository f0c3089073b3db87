// Package store persists clean records into PostGIS-backed fact tables
// with idempotent insert-or-update semantics.
package store

// SRID is the coordinate reference system used for all point
// geometry (WGS84).
const SRID = 4326

// Schema declares a target fact table: its primary key column(s), its
// data columns, and whether a point geometry is derived from
// latitude/longitude. Key and Columns together cover every field a
// sanitizer emits for the record kind.
type Schema struct {
	Table       string
	Key         []string // primary key, simple or composite
	Columns     []string // non-key columns, in insert order
	HasGeometry bool
}

// AllColumns returns key columns followed by data columns.
func (s Schema) AllColumns() []string {
	cols := make([]string, 0, len(s.Key)+len(s.Columns))
	cols = append(cols, s.Key...)
	cols = append(cols, s.Columns...)
	return cols
}

// Crashes is the fact table for crash records.
var Crashes = Schema{
	Table: "crashes",
	Key:   []string{"crash_record_id"},
	Columns: []string{
		"crash_date", "date_police_notified", "latitude", "longitude",
		"injuries_total", "injuries_fatal", "injuries_incapacitating",
		"injuries_non_incapacitating", "injuries_reported_not_evident",
		"injuries_no_indication", "injuries_unknown", "posted_speed_limit",
		"street_no", "lane_cnt",
		"crash_date_est_i", "traffic_control_device", "device_condition",
		"weather_condition", "lighting_condition", "street_direction",
		"street_name", "crash_type", "damage", "prim_contributory_cause",
		"sec_contributory_cause", "work_zone_i", "work_zone_type",
		"workers_present_i", "hit_and_run_i", "dooring_i",
		"intersection_related_i", "not_right_of_way_i", "alignment",
		"roadway_surface_cond", "road_defect", "report_type",
		"most_severe_injury", "beat_of_occurrence", "photos_taken_i",
		"statements_taken_i",
	},
	HasGeometry: true,
}

// People is the fact table for person records.
var People = Schema{
	Table: "crash_people",
	Key:   []string{"person_id"},
	Columns: []string{
		"crash_record_id", "crash_date", "age", "bac_result_value",
		"person_type", "sex", "safety_equipment", "airbag_deployed",
		"ejection", "injury_classification", "hospital", "ems_agency",
		"ems_unit", "drivers_license_state", "drivers_license_class",
		"driver_action", "driver_vision", "physical_condition",
		"pedpedal_action", "pedpedal_visibility", "pedpedal_location",
		"bac_result", "cell_phone_use", "vehicle_id",
	},
}

// Vehicles is the fact table for crash unit records.
var Vehicles = Schema{
	Table: "crash_vehicles",
	Key:   []string{"crash_unit_id"},
	Columns: []string{
		"crash_record_id", "crash_date", "vehicle_year", "num_passengers",
		"occupant_cnt",
		"unit_no", "unit_type", "vehicle_id", "cmv_id", "make", "model",
		"lic_plate_state", "vehicle_defect", "vehicle_type", "vehicle_use",
		"travel_direction", "maneuver", "towed_i", "fire_i",
		"hazmat_placard_i", "hazmat_name", "hazmat_present_i",
		"first_contact_point",
	},
}

// Fatalities is the fact table for Vision Zero fatality records.
var Fatalities = Schema{
	Table: "vision_zero_fatalities",
	Key:   []string{"person_id"},
	Columns: []string{
		"crash_date", "latitude", "longitude",
		"rd_no", "crash_location", "victim", "crash_circumstances",
		"geocoded_column",
	},
	HasGeometry: true,
}
