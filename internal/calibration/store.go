package calibration

import (
	"encoding/json"
	"errors"
)

// PersistenceKey is the fixed key calibration is stored under in any
// backing key/value store (spec.md section 6).
const PersistenceKey = "imu_calibration_data"

// ErrMalformedCalibration is returned (and, at load time, swallowed) when
// a persisted or imported blob doesn't carry all six direction vectors.
var ErrMalformedCalibration = errors.New("calibration: missing required direction vectors")

// Store is the small capability interface calibration persistence is
// guarded behind. Every method is optional in spirit: a nil Store, or one
// whose backend is simply absent (headless/server context), makes
// persistence a silent no-op rather than an error — see spec.md section 5.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// SaveCalibration persists cal under PersistenceKey. A nil store is a
// no-op. It returns a marshal error (a programmer error: an unmarshalable
// CalibrationData should be impossible) or whatever error store.Set
// reports.
func SaveCalibration(store Store, cal CalibrationData) error {
	if store == nil {
		return nil
	}
	blob, err := ExportCalibration(cal)
	if err != nil {
		return err
	}
	return store.Set(PersistenceKey, blob)
}

// LoadCalibration reads and validates the persisted calibration. Any
// failure — absent store, missing key, malformed JSON, missing fields —
// is treated as "no calibration" (ok=false) rather than an error,
// matching spec.md's MalformedPersistedCalibration policy: silently treat
// as absent, never overwrite.
func LoadCalibration(store Store) (cal CalibrationData, ok bool) {
	if store == nil {
		return CalibrationData{}, false
	}
	blob, found, err := store.Get(PersistenceKey)
	if err != nil || !found {
		return CalibrationData{}, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return CalibrationData{}, false
	}
	for _, field := range []string{"posX", "negX", "posY", "negY", "posZ", "negZ"} {
		if _, present := raw[field]; !present {
			return CalibrationData{}, false
		}
	}
	cal, err = ImportCalibration(blob)
	if err != nil {
		return CalibrationData{}, false
	}
	return cal, true
}

// ClearCalibration removes the persisted calibration, if any. A nil store
// or an absent key is a silent no-op.
func ClearCalibration(store Store) error {
	if store == nil {
		return nil
	}
	return store.Remove(PersistenceKey)
}
