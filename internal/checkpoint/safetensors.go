package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
)

const (
	metadataKey    = "__metadata__"
	maxHeaderBytes = 100 << 20
)

// Tensor is a dense row-major float32 tensor decoded from a safetensors file.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Elements returns the number of values implied by the shape.
func (t *Tensor) Elements() int {
	return elementCount(t.Shape)
}

type tensorHeader struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// ReadSafetensors decodes every tensor in a safetensors file. F32, F16 and
// BF16 payloads are widened to float32.
func ReadSafetensors(path string) (map[string]*Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeSafetensors(raw)
}

func decodeSafetensors(raw []byte) (map[string]*Tensor, error) {
	if len(raw) < 8 {
		return nil, errors.New("safetensors file too short")
	}
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > maxHeaderBytes || headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("invalid safetensors header length %d", headerLen)
	}
	header := raw[8 : 8+headerLen]
	body := raw[8+headerLen:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal safetensors header: %w", err)
	}

	tensors := make(map[string]*Tensor, len(entries))
	for name, msg := range entries {
		if name == metadataKey {
			continue
		}
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("tensor %s: unmarshal header: %w", name, err)
		}
		tensor, err := decodeTensor(th, body)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = tensor
	}
	return tensors, nil
}

func decodeTensor(th tensorHeader, body []byte) (*Tensor, error) {
	begin, end := th.DataOffsets[0], th.DataOffsets[1]
	if begin < 0 || end < begin || end > len(body) {
		return nil, fmt.Errorf("data offsets [%d, %d] outside data section of %d bytes", begin, end, len(body))
	}
	for _, d := range th.Shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", th.Shape)
		}
	}
	payload := body[begin:end]

	var width int
	switch th.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, fmt.Errorf("unsupported dtype %q", th.DType)
	}
	count, ok := boundedElementCount(th.Shape, len(payload)/width)
	if !ok || len(payload) != count*width {
		return nil, fmt.Errorf("shape %v does not match %d payload bytes of %s", th.Shape, len(payload), th.DType)
	}

	data := make([]float32, count)
	switch th.DType {
	case "F32":
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	case "F16":
		for i := range data {
			data[i] = halfToFloat32(binary.LittleEndian.Uint16(payload[i*2:]))
		}
	case "BF16":
		for i := range data {
			data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(payload[i*2:])) << 16)
		}
	}
	shape := append([]int(nil), th.Shape...)
	return &Tensor{Shape: shape, Data: data}, nil
}

// WriteSafetensors stores the tensors as F32 in safetensors layout, ordered by
// name so the output is byte-for-byte reproducible.
func WriteSafetensors(path string, tensors map[string]*Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make(map[string]any, len(names)+1)
	headers[metadataKey] = map[string]string{"format": "pt"}
	var body bytes.Buffer
	for _, name := range names {
		t := tensors[name]
		if t.Elements() != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v does not match %d values", name, t.Shape, len(t.Data))
		}
		begin := body.Len()
		for _, v := range t.Data {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			body.Write(buf[:])
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		headers[name] = tensorHeader{DType: "F32", Shape: shape, DataOffsets: [2]int{begin, body.Len()}}
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("marshal safetensors header: %w", err)
	}
	// Header is padded with spaces to keep the data section 8-byte aligned.
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var out bytes.Buffer
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(header)))
	out.Write(size[:])
	out.Write(header)
	out.Write(body.Bytes())
	return os.WriteFile(path, out.Bytes(), 0o644)
}

func elementCount(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// boundedElementCount multiplies out shape, failing as soon as the product
// exceeds limit so corrupt headers cannot overflow int.
func boundedElementCount(shape []int, limit int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d != 0 && n > limit/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}
