package sweeper

import "encoding/json"

// jsonMarshalFields renders a state-store field map as a JSON object of
// strings, for event payloads that accompany sweep transitions.
func jsonMarshalFields(fields map[string][]byte) ([]byte, error) {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = string(v)
	}
	return json.Marshal(out)
}
