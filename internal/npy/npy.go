// Package npy reads and writes NumPy .npy files (format version 1.0)
// holding little-endian float32 arrays in C order. That is the exact
// encoding np.save produces for the feature arrays this service emits,
// so downstream Python tooling can np.load them unchanged.
package npy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrBadMagic    = errors.New("npy: bad magic, not a .npy file")
	ErrUnsupported = errors.New("npy: unsupported array encoding")
)

var magic = []byte("\x93NUMPY")

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// Write encodes data with the given shape as a version 1.0 .npy stream.
// The product of the shape dims must equal len(data).
func Write(w io.Writer, shape []int, data []float32) error {
	count := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("npy: negative dim in shape %v", shape)
		}
		count *= d
	}
	if count != len(data) {
		return fmt.Errorf("npy: shape %v wants %d values, have %d", shape, count, len(data))
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': %s, }", shapeTuple(shape))
	// numpy pads the header with spaces so the data starts on a
	// 64-byte boundary, with a final newline.
	unpadded := len(magic) + 2 + 2 + len(header) + 1
	pad := (64 - unpadded%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return fmt.Errorf("writing version: %w", err)
	}
	var hlen [2]byte
	binary.LittleEndian.PutUint16(hlen[:], uint16(len(header)))
	if _, err := w.Write(hlen[:]); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	// Encode in chunks so large arrays never need a second full-size
	// buffer in memory.
	const chunk = 16384
	buf := make([]byte, 0, chunk*4)
	for start := 0; start < len(data); start += chunk {
		end := min(start+chunk, len(data))
		buf = buf[:0]
		for _, v := range data[start:end] {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("writing array data: %w", err)
		}
	}

	return nil
}

// WriteFile writes the array to path, creating or truncating it.
func WriteFile(path string, shape []int, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	bw := bufio.NewWriter(f)
	if err := Write(bw, shape, data); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}

	return nil
}

// Read decodes a version 1.0 .npy stream. Only little-endian float32
// C-order arrays are accepted.
func Read(r io.Reader) ([]int, []float32, error) {
	head := make([]byte, len(magic)+2+2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, nil, fmt.Errorf("reading preamble: %w", err)
	}
	if string(head[:len(magic)]) != string(magic) {
		return nil, nil, ErrBadMagic
	}
	major, minor := head[6], head[7]
	if major != 1 || minor != 0 {
		return nil, nil, fmt.Errorf("%w: format version %d.%d", ErrUnsupported, major, minor)
	}

	hlen := binary.LittleEndian.Uint16(head[8:10])
	header := make([]byte, hlen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	shape, err := parseHeader(string(header))
	if err != nil {
		return nil, nil, err
	}

	count := 1
	for _, d := range shape {
		count *= d
	}
	raw := make([]byte, count*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("reading array data: %w", err)
	}

	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return shape, data, nil
}

// ReadFile reads the array stored at path.
func ReadFile(path string) ([]int, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return Read(bufio.NewReader(f))
}

func parseHeader(header string) ([]int, error) {
	m := descrRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("%w: missing descr", ErrUnsupported)
	}
	if m[1] != "<f4" {
		return nil, fmt.Errorf("%w: dtype %s, want <f4", ErrUnsupported, m[1])
	}

	m = fortranRe.FindStringSubmatch(header)
	if m == nil || m[1] != "False" {
		return nil, fmt.Errorf("%w: fortran-order arrays", ErrUnsupported)
	}

	m = shapeRe.FindStringSubmatch(header)
	if m == nil {
		return nil, fmt.Errorf("%w: missing shape", ErrUnsupported)
	}

	var shape []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("npy: bad shape dim %q: %w", part, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("npy: negative shape dim %d", d)
		}
		shape = append(shape, d)
	}

	return shape, nil
}

func shapeTuple(shape []int) string {
	if len(shape) == 0 {
		return "()"
	}
	if len(shape) == 1 {
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
