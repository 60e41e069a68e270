package optimistic

import (
	"encoding/json"

	"github.com/daviddao/forumcache/pkg/model"
)

// Increment adds delta to a numeric field, keeping the field's numeric type.
// A missing field counts as zero. Non-numeric values are left unchanged.
func Increment(delta int64) Compute {
	return func(old model.Value) model.Value {
		switch v := old.(type) {
		case nil:
			return delta
		case int:
			return v + int(delta)
		case int32:
			return v + int32(delta)
		case int64:
			return v + delta
		case float64:
			return v + float64(delta)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n + delta
			}
			if f, err := v.Float64(); err == nil {
				return f + float64(delta)
			}
		}
		return old
	}
}

// Set replaces the field with v regardless of its current value.
func Set(v model.Value) Compute {
	return func(model.Value) model.Value { return v }
}

// Toggle flips a boolean field. A missing or non-boolean field becomes true.
func Toggle() Compute {
	return func(old model.Value) model.Value {
		b, _ := old.(bool)
		return !b
	}
}
