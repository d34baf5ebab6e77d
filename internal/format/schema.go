package format

import (
	"fmt"
	"sort"
	"strings"
)

// The upstream schema validator is a protobuf-backed subset of JSON Schema:
// unknown keywords are rejected, union types are not expressible, and type
// names are uppercase enums. CleanSchema rewrites an arbitrary tool input
// schema into that subset, preserving dropped information as description
// hints so the model still sees it. The pipeline is the known-sufficient
// subset of the validator's rules, not a complete formalisation.

// placeholderSchema is substituted for empty tool schemas; the validator
// rejects object schemas with no properties.
func placeholderSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []interface{}{"reason"},
	}
}

// CleanSchema normalises a JSON-Schema-ish object for the upstream
// validator. Output is deterministic for equal inputs.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderSchema()
	}

	result := copySchema(schema)
	result = walkSchema(result, resolveRefs)
	result = walkSchema(result, hintEnums)
	result = walkSchema(result, hintClosedObjects)
	result = walkSchema(result, hintConstraints)
	result = walkSchema(result, mergeAllOf)
	result = walkSchema(result, pickUnionBranch)
	result = flattenTypeArrays(result, nil, "")
	result = walkSchema(result, stripUnsupported)
	result = walkSchema(result, pruneRequired)
	result = walkSchema(result, googleTypes)
	return result
}

// walkSchema applies fn to the schema and every nested schema reachable via
// properties, items and the combinator keywords. fn runs on the parent
// before its children.
func walkSchema(schema map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	result := fn(copySchema(schema))

	if props, ok := result["properties"].(map[string]interface{}); ok {
		next := make(map[string]interface{}, len(props))
		for key, value := range props {
			if m, ok := value.(map[string]interface{}); ok {
				next[key] = walkSchema(m, fn)
			} else {
				next[key] = value
			}
		}
		result["properties"] = next
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = walkSchema(items, fn)
	case []interface{}:
		next := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				next = append(next, walkSchema(m, fn))
			} else {
				next = append(next, item)
			}
		}
		result["items"] = next
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := result[key].([]interface{}); ok {
			next := make([]interface{}, 0, len(arr))
			for _, item := range arr {
				if m, ok := item.(map[string]interface{}); ok {
					next = append(next, walkSchema(m, fn))
				} else {
					next = append(next, item)
				}
			}
			result[key] = next
		}
	}

	return result
}

// resolveRefs replaces a $ref node with a plain object carrying the target
// name as a description hint. The validator has no notion of references.
func resolveRefs(schema map[string]interface{}) map[string]interface{} {
	ref, ok := schema["$ref"].(string)
	if !ok {
		return schema
	}
	parts := strings.Split(ref, "/")
	name := parts[len(parts)-1]
	if name == "" {
		name = "unknown"
	}
	return map[string]interface{}{
		"type":        "object",
		"description": withHint(schema, fmt.Sprintf("See: %s", name)),
	}
}

// hintEnums surfaces small enums in the description; large ones would bloat
// the prompt.
func hintEnums(schema map[string]interface{}) map[string]interface{} {
	enumArr, ok := schema["enum"].([]interface{})
	if !ok {
		// const becomes a one-element enum.
		if c, has := schema["const"]; has {
			delete(schema, "const")
			schema["enum"] = []interface{}{c}
		}
		return schema
	}
	if len(enumArr) > 1 && len(enumArr) <= 10 {
		vals := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		schema["description"] = withHint(schema, "Allowed: "+strings.Join(vals, ", "))
	}
	return schema
}

func hintClosedObjects(schema map[string]interface{}) map[string]interface{} {
	if schema["additionalProperties"] == false {
		schema["description"] = withHint(schema, "No extra properties allowed")
	}
	return schema
}

// hintConstraints preserves validation keywords the upstream strips.
func hintConstraints(schema map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"} {
		if value, ok := schema[key]; ok {
			if _, isMap := value.(map[string]interface{}); !isMap {
				schema["description"] = withHint(schema, fmt.Sprintf("%s: %v", key, value))
			}
		}
	}
	return schema
}

// mergeAllOf folds an allOf array into the parent: properties union (parent
// wins), required union, other fields first-occurrence.
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	allOf, ok := schema["allOf"].([]interface{})
	if !ok || len(allOf) == 0 {
		return schema
	}
	delete(schema, "allOf")

	props, _ := schema["properties"].(map[string]interface{})
	if props == nil {
		props = make(map[string]interface{})
	}
	required := make(map[string]bool)
	if req, ok := schema["required"].([]interface{}); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	for _, sub := range allOf {
		subMap, ok := sub.(map[string]interface{})
		if !ok {
			continue
		}
		if subProps, ok := subMap["properties"].(map[string]interface{}); ok {
			for key, value := range subProps {
				if _, exists := props[key]; !exists {
					props[key] = value
				}
			}
		}
		if subReq, ok := subMap["required"].([]interface{}); ok {
			for _, r := range subReq {
				if s, ok := r.(string); ok {
					required[s] = true
				}
			}
		}
		for key, value := range subMap {
			if key == "properties" || key == "required" {
				continue
			}
			if _, exists := schema[key]; !exists {
				schema[key] = value
			}
		}
	}

	if len(props) > 0 {
		schema["properties"] = props
	}
	if len(required) > 0 {
		keys := make([]string, 0, len(required))
		for k := range required {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			out = append(out, k)
		}
		schema["required"] = out
	}
	return schema
}

// pickUnionBranch collapses anyOf/oneOf to its most informative branch,
// recording the alternatives as a hint. Object branches beat array branches
// beat scalars beat null.
func pickUnionBranch(schema map[string]interface{}) map[string]interface{} {
	// The chosen branch can itself be a union; keep collapsing until this
	// level is union-free.
	for collapsed := true; collapsed; {
		collapsed = false
		for _, unionKey := range []string{"anyOf", "oneOf"} {
			if _, ok := schema[unionKey].([]interface{}); ok {
				schema = collapseUnion(schema, unionKey)
				collapsed = true
			}
		}
	}
	return schema
}

func collapseUnion(schema map[string]interface{}, unionKey string) map[string]interface{} {
	options, ok := schema[unionKey].([]interface{})
	delete(schema, unionKey)
	if !ok || len(options) == 0 {
		return schema
	}

	var best map[string]interface{}
	bestScore := -1
	var typeNames []string
	for _, option := range options {
		m, ok := option.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["type"].(string)
		if name == "" && m["properties"] != nil {
			name = "object"
		}
		if name != "" && name != "null" {
			typeNames = append(typeNames, name)
		}
		if score := branchScore(m); score > bestScore {
			bestScore = score
			best = m
		}
	}
	if best == nil {
		return schema
	}

	parentDesc, _ := schema["description"].(string)
	for key, value := range best {
		if key == "description" {
			if s, ok := value.(string); ok && s != "" && s != parentDesc {
				if parentDesc != "" {
					schema["description"] = fmt.Sprintf("%s (%s)", parentDesc, s)
				} else {
					schema["description"] = s
				}
			}
			continue
		}
		if _, exists := schema[key]; !exists || key == "type" || key == "properties" || key == "items" {
			schema[key] = value
		}
	}
	if uniq := uniqueStrings(typeNames); len(uniq) > 1 {
		schema["description"] = withHint(schema, "Accepts: "+strings.Join(uniq, " | "))
	}
	return schema
}

func branchScore(schema map[string]interface{}) int {
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if t, ok := schema["type"].(string); ok && t != "null" {
		return 1
	}
	return 0
}

// flattenTypeArrays rewrites type:["string","null"] into a single type with
// a nullable hint, and removes now-nullable properties from the parent's
// required list.
func flattenTypeArrays(schema map[string]interface{}, nullable map[string]bool, propName string) map[string]interface{} {
	if schema == nil {
		return nil
	}
	result := copySchema(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNull []string
		for _, t := range typeArr {
			if s, ok := t.(string); ok {
				if s == "null" {
					hasNull = true
				} else if s != "" {
					nonNull = append(nonNull, s)
				}
			}
		}
		first := "string"
		if len(nonNull) > 0 {
			first = nonNull[0]
		}
		result["type"] = first
		if len(nonNull) > 1 {
			result["description"] = withHint(result, "Accepts: "+strings.Join(nonNull, " | "))
		}
		if hasNull {
			result["description"] = withHint(result, "nullable")
			if nullable != nil && propName != "" {
				nullable[propName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullable := make(map[string]bool)
		next := make(map[string]interface{}, len(props))
		for key, value := range props {
			if m, ok := value.(map[string]interface{}); ok {
				next[key] = flattenTypeArrays(m, childNullable, key)
			} else {
				next[key] = value
			}
		}
		result["properties"] = next

		if required, ok := result["required"].([]interface{}); ok && len(childNullable) > 0 {
			kept := make([]interface{}, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok && !childNullable[s] {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				delete(result, "required")
			} else {
				result["required"] = kept
			}
		}
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = flattenTypeArrays(items, nil, "")
	case []interface{}:
		next := make([]interface{}, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]interface{}); ok {
				next = append(next, flattenTypeArrays(m, nil, ""))
			} else {
				next = append(next, item)
			}
		}
		result["items"] = next
	}

	return result
}

func stripUnsupported(schema map[string]interface{}) map[string]interface{} {
	for _, key := range []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minimum", "maximum", "minItems", "maxItems", "examples",
		"allOf", "anyOf", "oneOf", "const",
	} {
		delete(schema, key)
	}
	if _, ok := schema["type"]; !ok && schema["properties"] != nil {
		schema["type"] = "object"
	}
	return schema
}

// pruneRequired drops required names that have no matching property.
func pruneRequired(schema map[string]interface{}) map[string]interface{} {
	required, ok := schema["required"].([]interface{})
	if !ok {
		return schema
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return schema
	}
	kept := make([]interface{}, 0, len(required))
	for _, r := range required {
		if s, ok := r.(string); ok {
			if _, exists := props[s]; exists {
				kept = append(kept, s)
			}
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
	} else {
		schema["required"] = kept
	}
	return schema
}

// googleTypes uppercases type names into the protobuf enum spelling.
func googleTypes(schema map[string]interface{}) map[string]interface{} {
	t, ok := schema["type"].(string)
	if !ok || t == "" {
		return schema
	}
	switch strings.ToLower(t) {
	case "string", "null":
		schema["type"] = "STRING"
	case "number":
		schema["type"] = "NUMBER"
	case "integer":
		schema["type"] = "INTEGER"
	case "boolean":
		schema["type"] = "BOOLEAN"
	case "array":
		schema["type"] = "ARRAY"
	case "object":
		schema["type"] = "OBJECT"
	default:
		schema["type"] = strings.ToUpper(t)
	}
	return schema
}

// withHint returns the schema's description with hint appended.
func withHint(schema map[string]interface{}, hint string) string {
	if desc, ok := schema["description"].(string); ok && desc != "" {
		if strings.Contains(desc, hint) {
			return desc
		}
		return fmt.Sprintf("%s (%s)", desc, hint)
	}
	return hint
}

func copySchema(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
