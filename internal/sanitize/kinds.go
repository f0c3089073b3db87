package sanitize

import "crashwatch/ingest-service/internal/model"

// Field lists mirror the portal dataset schemas. Every key emitted here
// has a matching column in the corresponding store schema.

var crashIntFields = []string{
	"injuries_total", "injuries_fatal", "injuries_incapacitating",
	"injuries_non_incapacitating", "injuries_reported_not_evident",
	"injuries_no_indication", "injuries_unknown", "posted_speed_limit",
	"street_no", "lane_cnt",
}

var crashStringFields = []string{
	"crash_date_est_i", "traffic_control_device", "device_condition",
	"weather_condition", "lighting_condition", "street_direction",
	"street_name", "crash_type", "damage", "prim_contributory_cause",
	"sec_contributory_cause", "work_zone_i", "work_zone_type",
	"workers_present_i", "hit_and_run_i", "dooring_i",
	"intersection_related_i", "not_right_of_way_i", "alignment",
	"roadway_surface_cond", "road_defect", "report_type",
	"most_severe_injury", "beat_of_occurrence", "photos_taken_i",
	"statements_taken_i",
}

var personStringFields = []string{
	"person_type", "sex", "safety_equipment", "airbag_deployed",
	"ejection", "injury_classification", "hospital", "ems_agency",
	"ems_unit", "drivers_license_state", "drivers_license_class",
	"driver_action", "driver_vision", "physical_condition",
	"pedpedal_action", "pedpedal_visibility", "pedpedal_location",
	"bac_result", "cell_phone_use", "vehicle_id",
}

var vehicleStringFields = []string{
	"unit_no", "unit_type", "vehicle_id", "cmv_id", "make", "model",
	"lic_plate_state", "vehicle_defect", "vehicle_type", "vehicle_use",
	"travel_direction", "maneuver", "towed_i", "fire_i",
	"hazmat_placard_i", "hazmat_name", "hazmat_present_i",
	"first_contact_point",
}

var fatalityStringFields = []string{
	"rd_no", "crash_location", "victim", "crash_circumstances",
	"geocoded_column",
}

// Crash sanitizes one crash record. Rejects when crash_record_id is
// missing; everything else degrades field by field.
func (s *Sanitizer) Crash(raw model.RawRecord) (model.CleanRecord, error) {
	const endpoint = "crashes"

	id, err := s.requireKey(endpoint, "crash_record_id", raw["crash_record_id"])
	if err != nil {
		return nil, err
	}

	clean := model.CleanRecord{"crash_record_id": id}
	clean["crash_date"] = s.cleanTimestamp(endpoint, "crash_date", raw["crash_date"])
	clean["date_police_notified"] = s.cleanTimestamp(endpoint, "date_police_notified", raw["date_police_notified"])
	clean["latitude"], clean["longitude"] = s.cleanCoordinates(endpoint, raw["latitude"], raw["longitude"])

	for _, f := range crashIntFields {
		clean[f] = s.cleanInt(endpoint, f, raw[f])
	}
	for _, f := range crashStringFields {
		clean[f] = s.cleanString(endpoint, f, raw[f])
	}
	return clean, nil
}

// Person sanitizes one person record. The primary key is person_id;
// crash_record_id links back to the crash and is also required.
func (s *Sanitizer) Person(raw model.RawRecord) (model.CleanRecord, error) {
	const endpoint = "people"

	personID, err := s.requireKey(endpoint, "person_id", raw["person_id"])
	if err != nil {
		return nil, err
	}
	crashID, err := s.requireKey(endpoint, "crash_record_id", raw["crash_record_id"])
	if err != nil {
		return nil, err
	}

	clean := model.CleanRecord{
		"person_id":       personID,
		"crash_record_id": crashID,
	}
	clean["crash_date"] = s.cleanTimestamp(endpoint, "crash_date", raw["crash_date"])
	clean["age"] = s.cleanIntRange(endpoint, "age", raw["age"], s.ageRange)
	clean["bac_result_value"] = s.cleanFloat(endpoint, "bac_result_value", raw["bac_result_value"])

	for _, f := range personStringFields {
		clean[f] = s.cleanString(endpoint, f, raw[f])
	}
	return clean, nil
}

// Vehicle sanitizes one vehicle (crash unit) record, keyed by
// crash_unit_id.
func (s *Sanitizer) Vehicle(raw model.RawRecord) (model.CleanRecord, error) {
	const endpoint = "vehicles"

	unitID, err := s.requireKey(endpoint, "crash_unit_id", raw["crash_unit_id"])
	if err != nil {
		return nil, err
	}
	crashID, err := s.requireKey(endpoint, "crash_record_id", raw["crash_record_id"])
	if err != nil {
		return nil, err
	}

	clean := model.CleanRecord{
		"crash_unit_id":   unitID,
		"crash_record_id": crashID,
	}
	clean["crash_date"] = s.cleanTimestamp(endpoint, "crash_date", raw["crash_date"])
	clean["vehicle_year"] = s.cleanIntRange(endpoint, "vehicle_year", raw["vehicle_year"], s.vehicleYearRange)
	clean["num_passengers"] = s.cleanInt(endpoint, "num_passengers", raw["num_passengers"])
	clean["occupant_cnt"] = s.cleanInt(endpoint, "occupant_cnt", raw["occupant_cnt"])

	for _, f := range vehicleStringFields {
		clean[f] = s.cleanString(endpoint, f, raw[f])
	}
	return clean, nil
}

// Fatality sanitizes one Vision Zero fatality record, keyed by
// person_id.
func (s *Sanitizer) Fatality(raw model.RawRecord) (model.CleanRecord, error) {
	const endpoint = "fatalities"

	personID, err := s.requireKey(endpoint, "person_id", raw["person_id"])
	if err != nil {
		return nil, err
	}

	clean := model.CleanRecord{"person_id": personID}
	clean["crash_date"] = s.cleanTimestamp(endpoint, "crash_date", raw["crash_date"])
	clean["latitude"], clean["longitude"] = s.cleanCoordinates(endpoint, raw["latitude"], raw["longitude"])

	for _, f := range fatalityStringFields {
		clean[f] = s.cleanString(endpoint, f, raw[f])
	}
	return clean, nil
}
