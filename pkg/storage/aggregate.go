package storage

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// AllowedStages is the fixed set of aggregation stages accepted from API
// queries.
var AllowedStages = map[string]bool{
	"$match":       true,
	"$project":     true,
	"$limit":       true,
	"$skip":        true,
	"$count":       true,
	"$sort":        true,
	"$unwind":      true,
	"$group":       true,
	"$sample":      true,
	"$replaceRoot": true,
	"$addFields":   true,
}

// Aggregate runs a restricted aggregation pipeline over a collection.
func (s *BoltStore) Aggregate(collection string, pipeline []Doc) ([]Doc, error) {
	docs, err := s.Find(collection, nil)
	if err != nil {
		return nil, err
	}
	return RunPipeline(docs, pipeline)
}

// RunPipeline evaluates the pipeline stages in order over docs.
func RunPipeline(docs []Doc, pipeline []Doc) ([]Doc, error) {
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("aggregation stage must have exactly one operator, got %d", len(stage))
		}
		var err error
		for op, arg := range stage {
			if !AllowedStages[op] {
				return nil, fmt.Errorf("aggregation stage not allowed: %s", op)
			}
			docs, err = runStage(docs, op, arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	return docs, nil
}

func runStage(docs []Doc, op string, arg interface{}) ([]Doc, error) {
	switch op {
	case "$match":
		filter, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expects an object")
		}
		var out []Doc
		for _, d := range docs {
			if Match(d, filter) {
				out = append(out, d)
			}
		}
		return out, nil

	case "$limit":
		n, ok := toFloat(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("expects a non-negative number")
		}
		if int(n) < len(docs) {
			docs = docs[:int(n)]
		}
		return docs, nil

	case "$skip":
		n, ok := toFloat(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("expects a non-negative number")
		}
		if int(n) >= len(docs) {
			return nil, nil
		}
		return docs[int(n):], nil

	case "$count":
		name, ok := arg.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("expects a field name")
		}
		return []Doc{{name: float64(len(docs))}}, nil

	case "$sort":
		spec, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expects an object")
		}
		sortDocs(docs, spec)
		return docs, nil

	case "$project":
		spec, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expects an object")
		}
		out := make([]Doc, len(docs))
		for i, d := range docs {
			out[i] = project(d, spec)
		}
		return out, nil

	case "$unwind":
		path, ok := arg.(string)
		if !ok || !strings.HasPrefix(path, "$") {
			return nil, fmt.Errorf("expects a $-prefixed field path")
		}
		field := strings.TrimPrefix(path, "$")
		var out []Doc
		for _, d := range docs {
			arr, _ := d[field].([]interface{})
			for _, e := range arr {
				clone := cloneDoc(d)
				clone[field] = e
				out = append(out, clone)
			}
		}
		return out, nil

	case "$group":
		spec, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expects an object")
		}
		return group(docs, spec)

	case "$sample":
		spec, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expects an object")
		}
		n, ok := toFloat(spec["size"])
		if !ok || n < 0 {
			return nil, fmt.Errorf("expects a non-negative size")
		}
		size := int(n)
		if size >= len(docs) {
			return docs, nil
		}
		perm := rand.Perm(len(docs))
		out := make([]Doc, 0, size)
		for _, i := range perm[:size] {
			out = append(out, docs[i])
		}
		return out, nil

	case "$replaceRoot":
		spec, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expects an object")
		}
		var out []Doc
		for _, d := range docs {
			root := evalExpr(d, spec["newRoot"])
			m, ok := root.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("newRoot must resolve to an object")
			}
			out = append(out, m)
		}
		return out, nil

	case "$addFields":
		spec, ok := arg.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expects an object")
		}
		out := make([]Doc, len(docs))
		for i, d := range docs {
			clone := cloneDoc(d)
			for k, expr := range spec {
				clone[k] = evalExpr(d, expr)
			}
			out[i] = clone
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported stage")
}

// sortDocs sorts docs by the given spec. Sort keys are applied in
// alphabetical field order since JSON objects do not preserve key order.
func sortDocs(docs []Doc, spec map[string]interface{}) {
	fields := make([]string, 0, len(spec))
	for f := range spec {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			dir, _ := toFloat(spec[f])
			a, _ := lookup(docs[i], f)
			b, _ := lookup(docs[j], f)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareValues(a, b interface{}) int {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb)
	}
	// Missing values sort first.
	if a == nil && b != nil {
		return -1
	}
	if a != nil && b == nil {
		return 1
	}
	return 0
}

func project(d Doc, spec map[string]interface{}) Doc {
	include := false
	for f, v := range spec {
		if f == "_id" {
			continue
		}
		if n, ok := toFloat(v); ok && n != 0 {
			include = true
		}
	}

	out := Doc{}
	if include {
		if id, ok := d["_id"]; ok {
			out["_id"] = id
		}
		for f, v := range spec {
			n, _ := toFloat(v)
			if n == 0 {
				delete(out, f)
				continue
			}
			if val, present := lookup(d, f); present {
				out[f] = val
			}
		}
		return out
	}
	// Exclusion mode.
	for k, v := range d {
		out[k] = v
	}
	for f := range spec {
		delete(out, f)
	}
	return out
}

func group(docs []Doc, spec map[string]interface{}) ([]Doc, error) {
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("requires an _id expression")
	}

	type bucket struct {
		key  interface{}
		docs []Doc
	}
	var order []string
	buckets := map[string]*bucket{}
	for _, d := range docs {
		key := evalExpr(d, idExpr)
		ks := fmt.Sprintf("%v", key)
		b, ok := buckets[ks]
		if !ok {
			b = &bucket{key: key}
			buckets[ks] = b
			order = append(order, ks)
		}
		b.docs = append(b.docs, d)
	}

	var out []Doc
	for _, ks := range order {
		b := buckets[ks]
		row := Doc{"_id": b.key}
		for field, accSpec := range spec {
			if field == "_id" {
				continue
			}
			accObj, ok := accSpec.(map[string]interface{})
			if !ok || len(accObj) != 1 {
				return nil, fmt.Errorf("accumulator for %s must be a single-operator object", field)
			}
			for acc, expr := range accObj {
				val, err := accumulate(b.docs, acc, expr)
				if err != nil {
					return nil, err
				}
				row[field] = val
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(docs []Doc, acc string, expr interface{}) (interface{}, error) {
	switch acc {
	case "$sum":
		total := 0.0
		for _, d := range docs {
			if n, ok := toFloat(evalExpr(d, expr)); ok {
				total += n
			}
		}
		return total, nil
	case "$avg":
		total, count := 0.0, 0
		for _, d := range docs {
			if n, ok := toFloat(evalExpr(d, expr)); ok {
				total += n
				count++
			}
		}
		if count == 0 {
			return nil, nil
		}
		return total / float64(count), nil
	case "$min", "$max":
		var best interface{}
		for _, d := range docs {
			v := evalExpr(d, expr)
			if v == nil {
				continue
			}
			if best == nil ||
				(acc == "$min" && compareValues(v, best) < 0) ||
				(acc == "$max" && compareValues(v, best) > 0) {
				best = v
			}
		}
		return best, nil
	case "$push":
		var arr []interface{}
		for _, d := range docs {
			arr = append(arr, evalExpr(d, expr))
		}
		return arr, nil
	case "$first":
		if len(docs) == 0 {
			return nil, nil
		}
		return evalExpr(docs[0], expr), nil
	case "$last":
		if len(docs) == 0 {
			return nil, nil
		}
		return evalExpr(docs[len(docs)-1], expr), nil
	}
	return nil, fmt.Errorf("unsupported accumulator: %s", acc)
}

// evalExpr resolves "$field" path references; any other value is a literal.
func evalExpr(d Doc, expr interface{}) interface{} {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		v, _ := lookup(d, strings.TrimPrefix(s, "$"))
		return v
	}
	return expr
}

func cloneDoc(d Doc) Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
