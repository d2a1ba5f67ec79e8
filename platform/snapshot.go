package platform

import "github.com/mitchellh/mapstructure"

// Snapshot is the raw capability-value map the host platform hands back for
// a device — the same shape acuvim2's metricsToMeterReading decodes modbus
// register maps from, just sourced from capability reads instead of modbus.
type Snapshot map[string]interface{}

// PreviousState is the subset of a device's capability values the mitigation
// engine captures before it first mitigates a device, so it can restore them
// verbatim later.
type PreviousState struct {
	Onoff                    *bool    `mapstructure:"onoff"`
	Dim                      *float64 `mapstructure:"dim"`
	TargetTemperature        *float64 `mapstructure:"target_temperature"`
	ThermostatMode           *string  `mapstructure:"thermostat_mode"`
	TargetCurrent            *float64 `mapstructure:"target_current"`
	TargetChargerCurrent     *float64 `mapstructure:"target_charger_current"`
	TargetCircuitCurrent     *float64 `mapstructure:"target_circuit_current"`
	ToggleChargingCapability *bool    `mapstructure:"toggleChargingCapability"`
	MaxPower3000             *float64 `mapstructure:"max_power_3000"`
	MaxPower                 *float64 `mapstructure:"max_power"`
}

// DecodePreviousState decodes a raw capability snapshot into a PreviousState,
// leaving any key absent from snap as nil rather than erroring — devices only
// ever report the capabilities they actually have.
func DecodePreviousState(snap Snapshot) (PreviousState, error) {
	var ps PreviousState
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ps,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return ps, err
	}
	if err := decoder.Decode(map[string]interface{}(snap)); err != nil {
		return ps, err
	}
	return ps, nil
}

// Decode decodes a generic settings payload (e.g. from SettingsStore.SettingsGet,
// or a flow-action argument descriptor) into out, tolerating loosely-typed
// JSON-ish input the same way the capability decode does.
func Decode(payload interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(payload)
}
