package ironbase

import jsoniter "github.com/json-iterator/go"

// jsonAPI is the JSON codec used throughout the engine for framed records,
// WAL operation payloads, and index node pages. json-iterator is a drop-in,
// faster replacement for encoding/json (same Marshal/Unmarshal semantics,
// struct tags honored) and is already part of this stack's ecosystem.
var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func jsonMarshal(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func jsonUnmarshal(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}
