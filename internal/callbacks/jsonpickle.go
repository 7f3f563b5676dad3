package callbacks

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/mat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	pickleObjectKey = "py/object"
	pickleTupleKey  = "py/tuple"
	pickleNDArray   = "numpy.ndarray"
)

// Array holds a numpy array with more than two dimensions in row-major order.
type Array struct {
	Shape []int
	Data  []float64
}

// DecodeJSONPickle decodes a jsonpickle document. The raw value may be the
// encoded string or an already-parsed JSON value. numpy arrays become
// *mat.VecDense (1-D), *mat.Dense (2-D) or Array; tuples become slices and
// remaining py/ bookkeeping keys are dropped.
func DecodeJSONPickle(raw any) (any, error) {
	value := raw
	if text, ok := raw.(string); ok {
		if err := json.UnmarshalFromString(text, &value); err != nil {
			return nil, fmt.Errorf("decode jsonpickle: %w", err)
		}
	}
	return unpickle(value)
}

func unpickle(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if object, _ := v[pickleObjectKey].(string); object == pickleNDArray {
			return decodeNDArray(v)
		}
		if tuple, ok := v[pickleTupleKey]; ok {
			return unpickle(tuple)
		}
		out := make(map[string]any, len(v))
		for key, item := range v {
			if strings.HasPrefix(key, "py/") {
				continue
			}
			decoded, err := unpickle(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = decoded
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			decoded, err := unpickle(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = decoded
		}
		return out, nil
	default:
		return v, nil
	}
}

func decodeNDArray(object map[string]any) (any, error) {
	var (
		values []float64
		shape  []int
		err    error
	)

	switch raw := object["values"].(type) {
	case []any:
		values, shape, err = flattenNested(raw)
	case string:
		values, err = decodeBinary(raw, dtypeOf(object))
		if err == nil {
			shape, err = shapeOf(object["shape"], len(values))
		}
	case float64:
		return raw, nil
	default:
		err = fmt.Errorf("unsupported values field %T", raw)
	}
	if err != nil {
		return nil, fmt.Errorf("decode numpy array: %w", err)
	}

	size := 1
	for _, dim := range shape {
		if dim != 0 && size > math.MaxInt/dim {
			return nil, fmt.Errorf("decode numpy array: shape %v overflows", shape)
		}
		size *= dim
	}
	if size != len(values) {
		return nil, fmt.Errorf("decode numpy array: shape %v does not match %d values", shape, len(values))
	}
	if size == 0 {
		return []float64{}, nil
	}

	switch len(shape) {
	case 1:
		return mat.NewVecDense(shape[0], values), nil
	case 2:
		return mat.NewDense(shape[0], shape[1], values), nil
	default:
		return Array{Shape: shape, Data: values}, nil
	}
}

func flattenNested(items []any) ([]float64, []int, error) {
	if len(items) == 0 {
		return []float64{}, []int{0}, nil
	}

	if _, nested := items[0].([]any); !nested {
		values := make([]float64, len(items))
		for i, item := range items {
			value, err := numeric(item)
			if err != nil {
				return nil, nil, err
			}
			values[i] = value
		}
		return values, []int{len(items)}, nil
	}

	var (
		values   []float64
		rowShape []int
	)
	for i, item := range items {
		row, ok := item.([]any)
		if !ok {
			return nil, nil, errors.New("ragged numpy array")
		}
		rowValues, shape, err := flattenNested(row)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			rowShape = shape
		} else if !equalShape(rowShape, shape) {
			return nil, nil, errors.New("ragged numpy array")
		}
		values = append(values, rowValues...)
	}
	return values, append([]int{len(items)}, rowShape...), nil
}

func numeric(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("non-numeric array element %T", value)
	}
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type dtype struct {
	name  string
	order binary.ByteOrder
}

func dtypeOf(object map[string]any) dtype {
	name, _ := object["dtype"].(string)
	order := binary.ByteOrder(binary.LittleEndian)
	if byteorder, _ := object["byteorder"].(string); byteorder == ">" {
		order = binary.BigEndian
	}
	if strings.HasPrefix(name, ">") {
		order = binary.BigEndian
	}
	return dtype{name: strings.TrimLeft(name, "<>=|"), order: order}
}

// maxShapeDim keeps every dimension exactly representable before the int
// conversion.
const maxShapeDim = 1 << 53

func shapeOf(raw any, count int) ([]int, error) {
	if tuple, ok := raw.(map[string]any); ok {
		raw = tuple[pickleTupleKey]
	}
	if raw == nil {
		return []int{count}, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("unsupported shape field %T", raw)
	}
	shape := make([]int, len(items))
	for i, item := range items {
		dim, ok := item.(float64)
		if !ok || dim < 0 || dim >= maxShapeDim || dim != math.Trunc(dim) {
			return nil, fmt.Errorf("invalid shape dimension %v", item)
		}
		shape[i] = int(dim)
	}
	return shape, nil
}

func decodeBinary(encoded string, dt dtype) ([]float64, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}

	var (
		width int
		read  func([]byte) float64
	)
	switch dt.name {
	case "uint8", "bool":
		width, read = 1, func(b []byte) float64 { return float64(b[0]) }
	case "int8":
		width, read = 1, func(b []byte) float64 { return float64(int8(b[0])) }
	case "uint16":
		width, read = 2, func(b []byte) float64 { return float64(dt.order.Uint16(b)) }
	case "int16":
		width, read = 2, func(b []byte) float64 { return float64(int16(dt.order.Uint16(b))) }
	case "uint32":
		width, read = 4, func(b []byte) float64 { return float64(dt.order.Uint32(b)) }
	case "int32":
		width, read = 4, func(b []byte) float64 { return float64(int32(dt.order.Uint32(b))) }
	case "float32":
		width, read = 4, func(b []byte) float64 { return float64(math.Float32frombits(dt.order.Uint32(b))) }
	case "uint64":
		width, read = 8, func(b []byte) float64 { return float64(dt.order.Uint64(b)) }
	case "int64":
		width, read = 8, func(b []byte) float64 { return float64(int64(dt.order.Uint64(b))) }
	case "float64":
		width, read = 8, func(b []byte) float64 { return math.Float64frombits(dt.order.Uint64(b)) }
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dt.name)
	}

	if len(buf)%width != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of %s width %d", len(buf), dt.name, width)
	}
	values := make([]float64, len(buf)/width)
	for i := range values {
		values[i] = read(buf[i*width : (i+1)*width])
	}
	return values, nil
}
