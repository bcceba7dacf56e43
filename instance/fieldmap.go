package instance

import (
	"encoding/json"

	"github.com/Jeffail/gabs/v2"
)

// sessionKey is copied from data into every mapped input.
const sessionKey = "session"

// mapInput builds method input from data. Each entry of m maps a data
// path to an input path; paths are dot-separated. Values missing from
// data are left out. The session value is always carried over. The
// input is a deep copy, so methods cannot mutate data through it.
func mapInput(data map[string]any, m map[string]string) map[string]any {
	src := gabs.Wrap(data)
	dst := gabs.New()
	for dataPath, inputPath := range m {
		v := src.Path(dataPath).Data()
		if v == nil {
			continue
		}
		dst.SetP(v, inputPath)
	}
	input, _ := dst.Data().(map[string]any)
	if session, ok := data[sessionKey]; ok {
		input[sessionKey] = session
	}
	return cloneData(input)
}

// mapOutput picks fields out of a method result. Each entry of m maps a
// result path to a data path. Values missing from the result are left
// out, so they never overwrite data.
func mapOutput(result any, m map[string]string) map[string]any {
	dst := gabs.New()
	if obj, ok := result.(map[string]any); ok {
		src := gabs.Wrap(obj)
		for resultPath, dataPath := range m {
			v := src.Path(resultPath).Data()
			if v == nil {
				continue
			}
			dst.SetP(v, dataPath)
		}
	}
	out, _ := dst.Data().(map[string]any)
	return out
}

// mergeInto deep-merges src into dst. Nested objects merge key by key;
// any other value, arrays included, replaces what dst holds.
func mergeInto(dst, src map[string]any) {
	if len(src) == 0 {
		return
	}
	gabs.Wrap(dst).MergeFn(gabs.Wrap(src), func(_, source any) any {
		return source
	})
}

// normalize converts v to the shapes encoding/json produces, so that data
// held in memory matches what a reload from storage would yield.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeMap is normalize for object payloads. A nil map becomes empty.
func normalizeMap(m map[string]any) (map[string]any, error) {
	out, err := normalize(m)
	if err != nil {
		return nil, err
	}
	obj, _ := out.(map[string]any)
	if obj == nil {
		obj = make(map[string]any)
	}
	return obj, nil
}

// cloneData deep-copies data so methods cannot mutate instance state
// through their input.
func cloneData(data map[string]any) map[string]any {
	out, err := normalizeMap(data)
	if err != nil {
		// data was normalized when stored, so this cannot fail in practice.
		return make(map[string]any)
	}
	return out
}
