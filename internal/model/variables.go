package model

import "sort"

// VariableSet is the context handed to the calling agent: variable name to value.
type VariableSet map[string]string

// Keys returns the variable names in sorted order.
func (v VariableSet) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
