package supervisor

import "github.com/cepro/powerguard/charger"

// extractLiveData reads a charger's EvLiveData fields out of a capability
// snapshot, same toFloat-from-map pattern as meter.Connector's snapshot
// handling, generalized from power/phase-current keys to the charger
// telemetry keys a charger exposes.
func extractLiveData(snap map[string]interface{}) charger.EvLiveData {
	var live charger.EvLiveData

	if raw, ok := firstKey(snap, "measure_power"); ok {
		if v, ok := toFloat(raw); ok {
			live.PowerW = v
		}
	}
	if raw, ok := firstKey(snap, "onoff", "charging_button"); ok {
		if v, ok := toBool(raw); ok {
			live.IsCharging = v
		}
	}
	if raw, ok := firstKey(snap, "charger_status", "chargerStatus"); ok {
		if v, ok := raw.(string); ok {
			live.ChargerStatus = v
		}
	}
	if raw, ok := firstKey(snap, "measure_current.offered", "target_charger_current"); ok {
		if v, ok := toFloat(raw); ok {
			live.OfferedCurrent = v
		}
	}
	if raw, ok := firstKey(snap, "alarm_generic.car_connected", "alarm_car_connected"); ok {
		if v, ok := toBool(raw); ok {
			live.CarConnectedAlarm = v
		}
	}

	return live
}

func firstKey(snap map[string]interface{}, names ...string) (interface{}, bool) {
	for _, n := range names {
		if v, ok := snap[n]; ok {
			return v, true
		}
	}
	return nil, false
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func toBool(value interface{}) (bool, bool) {
	v, ok := value.(bool)
	return v, ok
}
