package signalling

import "encoding/json"

func encodeJSON(v any) ([]byte, error) { return json.Marshal(v) }
func decodeJSON(body []byte, v any) error { return json.Unmarshal(body, v) }
