package classify

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	maxScanDepth    = 8
	maxScanNodes    = 4096
	maxScanElements = 256
)

var (
	txHashPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{64}\b`)
	zeroHash      = "0x" + strings.Repeat("0", 64)
	hashType      = reflect.TypeOf(common.Hash{})
)

type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

type scanItem struct {
	v     reflect.Value
	depth int
}

// RecoverTxHash searches err for a 32-byte transaction hash: its message, its
// wrap chain, provider error data and every reachable field. Self-referential
// errors are handled with a visited set and a depth bound.
func RecoverTxHash(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	h := scanForHash(err)
	return h, h != ""
}

func scanForHash(root any) string {
	visited := make(map[visitKey]struct{})
	queue := []scanItem{{v: reflect.ValueOf(root)}}
	nodes := 0

	for len(queue) > 0 && nodes < maxScanNodes {
		item := queue[0]
		queue = queue[1:]
		nodes++

		v := item.v
		if !v.IsValid() {
			continue
		}
		next := item.depth + 1
		canDescend := item.depth < maxScanDepth

		push := func(child reflect.Value) {
			if canDescend && child.IsValid() {
				queue = append(queue, scanItem{v: child, depth: next})
			}
		}

		if v.Type() == hashType {
			var h common.Hash
			for i := range h {
				h[i] = byte(v.Index(i).Uint())
			}
			if hex := h.Hex(); hex != zeroHash {
				return hex
			}
			continue
		}

		if v.CanInterface() && !isNilValue(v) {
			switch x := v.Interface().(type) {
			case error:
				if h := matchHash(errorString(x)); h != "" {
					return h
				}
				if u, ok := x.(interface{ Unwrap() error }); ok {
					push(reflect.ValueOf(safeUnwrap(u)))
				}
				if u, ok := x.(interface{ Unwrap() []error }); ok {
					for _, e := range safeUnwrapAll(u) {
						push(reflect.ValueOf(e))
					}
				}
				if d, ok := x.(interface{ ErrorData() interface{} }); ok {
					push(reflect.ValueOf(safeErrorData(d)))
				}
			case fmt.Stringer:
				if h := matchHash(safeString(x)); h != "" {
					return h
				}
			}
		}

		switch v.Kind() {
		case reflect.String:
			if h := matchHash(v.String()); h != "" {
				return h
			}

		case reflect.Pointer:
			if v.IsNil() || seen(visited, v) {
				continue
			}
			push(v.Elem())

		case reflect.Interface:
			if !v.IsNil() {
				push(v.Elem())
			}

		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				push(v.Field(i))
			}

		case reflect.Map:
			if v.IsNil() || seen(visited, v) {
				continue
			}
			iter := v.MapRange()
			for n := 0; iter.Next() && n < maxScanElements; n++ {
				push(iter.Key())
				push(iter.Value())
			}

		case reflect.Slice:
			if v.IsNil() || seen(visited, v) {
				continue
			}
			if v.Type().Elem().Kind() == reflect.Uint8 {
				if h := matchHash(string(v.Bytes())); h != "" {
					return h
				}
				continue
			}
			for i := 0; i < v.Len() && i < maxScanElements; i++ {
				push(v.Index(i))
			}

		case reflect.Array:
			if v.Type().Elem().Kind() == reflect.Uint8 {
				continue
			}
			for i := 0; i < v.Len() && i < maxScanElements; i++ {
				push(v.Index(i))
			}
		}
	}
	return ""
}

func matchHash(s string) string {
	if len(s) < 66 {
		return ""
	}
	for _, m := range txHashPattern.FindAllString(s, -1) {
		if !strings.EqualFold(m, zeroHash) {
			return strings.ToLower(m)
		}
	}
	return ""
}

func seen(visited map[visitKey]struct{}, v reflect.Value) bool {
	key := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		// Distinct slices may share a backing array
		key.typ = reflect.SliceOf(v.Type())
	}
	if _, ok := visited[key]; ok {
		return true
	}
	visited[key] = struct{}{}
	return false
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// errorString calls Error without letting a broken implementation panic
func errorString(err error) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return err.Error()
}

func safeString(s fmt.Stringer) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()
	return s.String()
}

func safeUnwrap(u interface{ Unwrap() error }) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()
	return u.Unwrap()
}

func safeUnwrapAll(u interface{ Unwrap() []error }) (errs []error) {
	defer func() {
		if recover() != nil {
			errs = nil
		}
	}()
	return u.Unwrap()
}

func safeErrorData(d interface{ ErrorData() interface{} }) (data interface{}) {
	defer func() {
		if recover() != nil {
			data = nil
		}
	}()
	return d.ErrorData()
}
