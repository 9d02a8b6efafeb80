// Package twin keeps the local copies of the desired and reported property
// documents in sync with the platform and drains the durable queue of
// reported-property updates.
package twin

import (
	"encoding/json"
	"fmt"
)

// document is one side of the twin: a JSON object plus its version counter.
type document struct {
	version    uint64
	properties map[string]any
}

func (d *document) marshal() ([]byte, error) {
	return json.Marshal(d.properties)
}

func (d *document) clone() map[string]any {
	return clonePatch(d.properties)
}

// parseFullTwin decodes the broker's full twin document. Each side carries
// its version as the "$version" member, which is stripped from the
// properties.
func parseFullTwin(payload []byte) (desired, reported *document, err error) {
	var full struct {
		Desired  map[string]any `json:"desired"`
		Reported map[string]any `json:"reported"`
	}
	if err := json.Unmarshal(payload, &full); err != nil {
		return nil, nil, fmt.Errorf("decode twin document: %w", err)
	}
	desired, err = splitVersion(full.Desired)
	if err != nil {
		return nil, nil, fmt.Errorf("desired properties: %w", err)
	}
	reported, err = splitVersion(full.Reported)
	if err != nil {
		return nil, nil, fmt.Errorf("reported properties: %w", err)
	}
	return desired, reported, nil
}

// parsePatch decodes a patch payload and validates that its embedded
// "$version" matches the one from the topic.
func parsePatch(payload []byte, topicVersion uint64) (map[string]any, error) {
	doc, err := splitVersion(decodeObject(payload))
	if err != nil {
		return nil, err
	}
	if doc.version != topicVersion {
		return nil, fmt.Errorf("patch version mismatch: topic says %d, body says %d",
			topicVersion, doc.version)
	}
	return doc.properties, nil
}

func decodeObject(payload []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil
	}
	return obj
}

func splitVersion(obj map[string]any) (*document, error) {
	if obj == nil {
		return nil, fmt.Errorf("not a JSON object")
	}
	raw, ok := obj["$version"]
	if !ok {
		return nil, fmt.Errorf("missing $version")
	}
	num, ok := raw.(float64)
	if !ok || num < 0 {
		return nil, fmt.Errorf("malformed $version %v", raw)
	}
	properties := make(map[string]any, len(obj)-1)
	for k, v := range obj {
		if k == "$version" {
			continue
		}
		properties[k] = v
	}
	return &document{version: uint64(num), properties: properties}, nil
}

// applyMergePatch applies patch to target in place, RFC 7386 style: null
// removes a member, nested objects merge recursively, everything else
// replaces.
func applyMergePatch(target, patch map[string]any) map[string]any {
	if target == nil {
		target = make(map[string]any)
	}
	for key, value := range patch {
		if value == nil {
			delete(target, key)
			continue
		}
		if patchObj, ok := value.(map[string]any); ok {
			if targetObj, ok := target[key].(map[string]any); ok {
				target[key] = applyMergePatch(targetObj, patchObj)
				continue
			}
			// Merging into a non-object replaces it, nulls inside the patch
			// object must still not materialize as members.
			target[key] = applyMergePatch(make(map[string]any), patchObj)
			continue
		}
		target[key] = value
	}
	return target
}

// diffObjects computes the merge patch that transforms current into target:
// members missing from target become null, changed members carry the new
// value, nested objects are diffed recursively.
func diffObjects(current, target map[string]any) map[string]any {
	patch := make(map[string]any)
	for key := range current {
		if _, ok := target[key]; !ok {
			patch[key] = nil
		}
	}
	for key, targetValue := range target {
		currentValue, exists := current[key]
		if !exists {
			patch[key] = targetValue
			continue
		}
		targetObj, targetIsObj := targetValue.(map[string]any)
		currentObj, currentIsObj := currentValue.(map[string]any)
		if targetIsObj && currentIsObj {
			if sub := diffObjects(currentObj, targetObj); len(sub) > 0 {
				patch[key] = sub
			}
			continue
		}
		if !equalValues(currentValue, targetValue) {
			patch[key] = targetValue
		}
	}
	return patch
}

func equalValues(a, b any) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

func clonePatch(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clonePatch(nested)
			continue
		}
		out[k] = v
	}
	return out
}
