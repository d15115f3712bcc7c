package resolve

import (
	"github.com/graphgate/graphgate/pkg/federation"
)

// The response tree is a plain map tree mirroring the client selection set,
// exclusively owned by one execution. All helpers here assume the caller
// holds the execution's merge lock.

// mergeObject unions src into dst without overwriting: existing scalars win,
// nested objects merge recursively, lists of equal length merge element-wise.
func mergeObject(dst, src map[string]interface{}) {
	for key, srcValue := range src {
		dstValue, exists := dst[key]
		if !exists || dstValue == nil {
			dst[key] = srcValue
			continue
		}
		switch dstTyped := dstValue.(type) {
		case map[string]interface{}:
			if srcTyped, ok := srcValue.(map[string]interface{}); ok {
				mergeObject(dstTyped, srcTyped)
			}
		case []interface{}:
			srcTyped, ok := srcValue.([]interface{})
			if !ok || len(srcTyped) != len(dstTyped) {
				continue
			}
			for i := range dstTyped {
				dstObject, dstOk := dstTyped[i].(map[string]interface{})
				srcObject, srcOk := srcTyped[i].(map[string]interface{})
				if dstOk && srcOk {
					mergeObject(dstObject, srcObject)
				}
			}
		}
	}
}

// collectInstances walks a response path and returns every entity instance
// found there, together with its concrete response path (list traversals
// materialize as indices). Null or absent branches are skipped silently: a
// nullable parent that produced no value is not an error.
func collectInstances(tree map[string]interface{}, path []string) ([]map[string]interface{}, [][]interface{}) {
	type cursor struct {
		value interface{}
		path  []interface{}
	}
	cursors := []cursor{{value: tree}}

	for _, element := range path {
		next := make([]cursor, 0, len(cursors))
		for _, c := range cursors {
			object, ok := c.value.(map[string]interface{})
			if !ok {
				continue
			}
			value, exists := object[element]
			if !exists || value == nil {
				continue
			}
			childPath := append(append([]interface{}(nil), c.path...), element)
			if list, ok := value.([]interface{}); ok {
				for i, item := range list {
					if item == nil {
						continue
					}
					next = append(next, cursor{value: item, path: append(append([]interface{}(nil), childPath...), i)})
				}
				continue
			}
			next = append(next, cursor{value: value, path: childPath})
		}
		cursors = next
	}

	instances := make([]map[string]interface{}, 0, len(cursors))
	paths := make([][]interface{}, 0, len(cursors))
	for _, c := range cursors {
		// A terminal list fans out one more level.
		if list, ok := c.value.([]interface{}); ok {
			for i, item := range list {
				if object, ok := item.(map[string]interface{}); ok {
					instances = append(instances, object)
					paths = append(paths, append(append([]interface{}(nil), c.path...), i))
				}
			}
			continue
		}
		if object, ok := c.value.(map[string]interface{}); ok {
			instances = append(instances, object)
			paths = append(paths, c.path)
		}
	}
	return instances, paths
}

// buildRepresentation extracts the key and requires fields of one entity
// instance. The second return is false when a referenced field is missing,
// meaning the representation cannot be built.
func buildRepresentation(instance map[string]interface{}, typeName string, requires federation.FieldSet) (map[string]interface{}, bool) {
	representation := map[string]interface{}{"__typename": typeName}
	if !copyFieldSet(representation, instance, requires) {
		return nil, false
	}
	return representation, true
}

func copyFieldSet(dst, src map[string]interface{}, set federation.FieldSet) bool {
	for _, item := range set {
		value, exists := src[item.Name]
		if !exists {
			return false
		}
		if len(item.Selections) == 0 {
			dst[item.Name] = value
			continue
		}
		nestedSrc, ok := value.(map[string]interface{})
		if !ok {
			return false
		}
		nestedDst := map[string]interface{}{}
		if !copyFieldSet(nestedDst, nestedSrc, item.Selections) {
			return false
		}
		dst[item.Name] = nestedDst
	}
	return true
}

// stripField removes a planner-injected field from the tree, fanning out
// through lists along the way.
func stripField(value interface{}, path []string) {
	if len(path) == 0 || value == nil {
		return
	}
	switch typed := value.(type) {
	case []interface{}:
		for _, item := range typed {
			stripField(item, path)
		}
	case map[string]interface{}:
		if len(path) == 1 {
			delete(typed, path[0])
			return
		}
		stripField(typed[path[0]], path[1:])
	}
}
