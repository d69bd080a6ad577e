// internal/trigger/uid.go
package trigger

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/colebrumley/reactor/internal/payload"
)

// UID hashes a trigger type and its parameters. Parameters encode with
// sorted keys, so key order never changes the result. Null and empty
// parameters hash the same.
func UID(triggerType string, params payload.Value) (string, error) {
	canonical := []byte("{}")
	if params.Len() > 0 {
		data, err := params.MarshalJSON()
		if err != nil {
			return "", err
		}
		canonical = data
	}

	h := blake3.New()
	h.Write([]byte(triggerType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
