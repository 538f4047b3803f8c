package lua

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	golua "github.com/Shopify/go-lua"
)

const maxDepth = 64

func toGo(l *golua.State, index int, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxDepth)
	}
	switch l.TypeOf(index) {
	case golua.TypeNil, golua.TypeNone:
		return nil, nil
	case golua.TypeBoolean:
		return l.ToBoolean(index), nil
	case golua.TypeNumber:
		n, _ := l.ToNumber(index)
		if math.IsInf(n, 0) || math.IsNaN(n) {
			return nil, fmt.Errorf("number %v cannot be encoded", n)
		}
		return normalizeNumber(n), nil
	case golua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case golua.TypeTable:
		return tableToGo(l, index, depth)
	default:
		return nil, fmt.Errorf("%s values cannot leave the game", golua.TypeNameOf(l, index))
	}
}

func tableToGo(l *golua.State, index int, depth int) (any, error) {
	index = l.AbsIndex(index)

	isArray := true
	maxIndex := 0
	count := 0
	l.PushNil()
	for l.Next(index) {
		count++
		if isArray {
			if idx, ok := l.ToInteger(-2); ok && l.TypeOf(-2) == golua.TypeNumber && idx > 0 {
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			v, err := toGo(l, -1, depth+1)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	l.PushNil()
	for l.Next(index) {
		var key string
		switch l.TypeOf(-2) {
		case golua.TypeString:
			key, _ = l.ToString(-2)
		case golua.TypeNumber:
			n, _ := l.ToNumber(-2)
			key = fmt.Sprint(normalizeNumber(n))
		default:
			l.Pop(2)
			return nil, fmt.Errorf("table keys must be strings or numbers")
		}
		v, err := toGo(l, -1, depth+1)
		if err != nil {
			l.Pop(2)
			return nil, err
		}
		out[key] = v
		l.Pop(1)
	}
	return out, nil
}

func normalizeNumber(n float64) any {
	if math.Mod(n, 1) == 0 && math.Abs(n) < 1<<53 {
		return int64(n)
	}
	return n
}

func push(l *golua.State, v any) {
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case string:
		l.PushString(x)
	case float64:
		l.PushNumber(x)
	case int:
		l.PushInteger(x)
	case int64:
		l.PushNumber(float64(x))
	case json.Number:
		n, _ := x.Float64()
		l.PushNumber(n)
	case json.RawMessage:
		var decoded any
		if len(x) == 0 || json.Unmarshal(x, &decoded) != nil {
			l.PushNil()
			return
		}
		push(l, decoded)
	case []any:
		l.CreateTable(len(x), 0)
		for i, item := range x {
			push(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		l.CreateTable(0, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			push(l, x[k])
			l.SetField(-2, k)
		}
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			l.PushNil()
			return
		}
		push(l, json.RawMessage(raw))
	}
}
