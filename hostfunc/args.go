package hostfunc

import "fmt"

// String returns a required string argument.
func String(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%s required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%s required", key)
	}
	return s, nil
}

// Value returns an optional argument of any type.
func Value(args map[string]any, key string) any {
	return args[key]
}
