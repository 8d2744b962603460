package internal

import "strconv"

// Flatten maps every leaf of a decoded JSON object to its dotted path, so
// {"pull_request": {"base": {"ref": "main"}}} yields "pull_request.base.ref".
// Arrays are kept whole under their own path (and "path[]") and each element
// is also flattened under "path[i]".
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenValue(out, key, value)
	}
	return out
}

func flattenValue(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		if len(typed) == 0 {
			out[path] = typed
			return
		}
		for key, child := range typed {
			flattenValue(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		out[path+"[]"] = typed
		for i, child := range typed {
			flattenValue(out, path+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[path] = value
	}
}
