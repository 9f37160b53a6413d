package registration

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// ReadXYZ parses whitespace separated "x y z" lines. Blank lines, lines
// starting with '#' or '//' and a non-numeric header line are skipped;
// columns after z are ignored.
func ReadXYZ(r io.Reader) (Cloud, error) {
	var cloud Cloud
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ',' || r == ';'
		})
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected at least 3 columns, got %d", line, len(fields))
		}
		var xyz [3]float64
		var err error
		for i := 0; i < 3 && err == nil; i++ {
			xyz[i], err = strconv.ParseFloat(fields[i], 64)
		}
		if err != nil {
			if len(cloud) == 0 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cloud = append(cloud, NewPoint(xyz[0], xyz[1], xyz[2]))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading xyz: %w", err)
	}
	return cloud, nil
}

// WriteXYZ writes one "x y z" line per point
func WriteXYZ(w io.Writer, cloud Cloud) error {
	bw := bufio.NewWriter(w)
	for _, p := range cloud {
		if _, err := fmt.Fprintf(bw, "%g %g %g\n", p.Pos.X, p.Pos.Y, p.Pos.Z); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// pcdHeader is the part of a PCD header needed to locate coordinates
type pcdHeader struct {
	Fields []string
	Size   []int
	Type   []string
	Count  []int
	Points int
	Data   string
}

func (h *pcdHeader) field(name string) int {
	for i, f := range h.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

// ReadPCD parses a PCD file with ascii or binary data. The x, y and z
// fields are required; normal_x, normal_y and normal_z are read when
// present. NaN points are dropped.
func ReadPCD(r io.Reader) (Cloud, error) {
	rb := bufio.NewReader(r)
	h := &pcdHeader{}

L_HEADER:
	for {
		line, err := rb.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("reading pcd header: %w", err)
		}
		args := strings.Fields(line)
		if len(args) == 0 || strings.HasPrefix(args[0], "#") {
			continue
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("pcd header field %s must have a value", args[0])
		}
		switch args[0] {
		case "FIELDS":
			h.Fields = args[1:]
		case "SIZE":
			if h.Size, err = atoiAll(args[1:]); err != nil {
				return nil, fmt.Errorf("pcd SIZE: %w", err)
			}
		case "TYPE":
			h.Type = args[1:]
		case "COUNT":
			if h.Count, err = atoiAll(args[1:]); err != nil {
				return nil, fmt.Errorf("pcd COUNT: %w", err)
			}
		case "POINTS":
			if h.Points, err = strconv.Atoi(args[1]); err != nil {
				return nil, fmt.Errorf("pcd POINTS: %w", err)
			}
		case "DATA":
			h.Data = args[1]
			break L_HEADER
		}
	}

	if h.Count == nil {
		h.Count = make([]int, len(h.Fields))
		for i := range h.Count {
			h.Count[i] = 1
		}
	}
	if len(h.Fields) != len(h.Count) {
		return nil, errors.New("pcd COUNT field size is wrong")
	}
	ix, iy, iz := h.field("x"), h.field("y"), h.field("z")
	if ix < 0 || iy < 0 || iz < 0 {
		return nil, errors.New("pcd has no x y z fields")
	}
	nx, ny, nz := h.field("normal_x"), h.field("normal_y"), h.field("normal_z")
	hasNormals := nx >= 0 && ny >= 0 && nz >= 0

	var rows [][]float64
	var err error
	switch h.Data {
	case "ascii":
		rows, err = readPCDASCII(rb, h)
	case "binary":
		rows, err = readPCDBinary(rb, h)
	default:
		return nil, fmt.Errorf("unsupported pcd data format %q", h.Data)
	}
	if err != nil {
		return nil, err
	}

	// Column offset of each field's first element
	col := make([]int, len(h.Fields))
	for i := 1; i < len(col); i++ {
		col[i] = col[i-1] + h.Count[i-1]
	}

	cloud := make(Cloud, 0, len(rows))
	for _, row := range rows {
		p := NewPoint(row[col[ix]], row[col[iy]], row[col[iz]])
		if !isFinite(p.Pos) {
			continue
		}
		if hasNormals {
			n := r3.Vector{X: row[col[nx]], Y: row[col[ny]], Z: row[col[nz]]}
			if isFinite(n) && n.Norm() > 0 {
				p.Normal = n.Normalize()
			}
		}
		cloud = append(cloud, p)
	}
	return cloud, nil
}

func readPCDASCII(rb *bufio.Reader, h *pcdHeader) ([][]float64, error) {
	width := 0
	for _, c := range h.Count {
		width += c
	}
	var rows [][]float64
	sc := bufio.NewScanner(rb)
	for sc.Scan() {
		args := strings.Fields(sc.Text())
		if len(args) == 0 {
			continue
		}
		if len(args) < width {
			return nil, fmt.Errorf("pcd point %d: expected %d values, got %d", len(rows), width, len(args))
		}
		row := make([]float64, width)
		for i := 0; i < width; i++ {
			v, err := strconv.ParseFloat(args[i], 64)
			if err != nil {
				return nil, fmt.Errorf("pcd point %d: %w", len(rows), err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading pcd data: %w", err)
	}
	return rows, nil
}

func readPCDBinary(rb *bufio.Reader, h *pcdHeader) ([][]float64, error) {
	if len(h.Size) != len(h.Fields) || len(h.Type) != len(h.Fields) {
		return nil, errors.New("pcd SIZE and TYPE must match FIELDS")
	}
	stride, width := 0, 0
	for i := range h.Fields {
		stride += h.Size[i] * h.Count[i]
		width += h.Count[i]
	}
	buf := make([]byte, stride)
	rows := make([][]float64, 0, h.Points)
	for p := 0; p < h.Points; p++ {
		if _, err := io.ReadFull(rb, buf); err != nil {
			return nil, fmt.Errorf("pcd point %d: %w", p, err)
		}
		row := make([]float64, 0, width)
		off := 0
		for i := range h.Fields {
			for c := 0; c < h.Count[i]; c++ {
				v, err := decodePCDValue(buf[off:off+h.Size[i]], h.Type[i])
				if err != nil {
					return nil, fmt.Errorf("pcd field %s: %w", h.Fields[i], err)
				}
				row = append(row, v)
				off += h.Size[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodePCDValue(b []byte, typ string) (float64, error) {
	le := binary.LittleEndian
	switch {
	case typ == "F" && len(b) == 4:
		return float64(math.Float32frombits(le.Uint32(b))), nil
	case typ == "F" && len(b) == 8:
		return math.Float64frombits(le.Uint64(b)), nil
	case typ == "U" && len(b) == 1:
		return float64(b[0]), nil
	case typ == "U" && len(b) == 2:
		return float64(le.Uint16(b)), nil
	case typ == "U" && len(b) == 4:
		return float64(le.Uint32(b)), nil
	case typ == "I" && len(b) == 1:
		return float64(int8(b[0])), nil
	case typ == "I" && len(b) == 2:
		return float64(int16(le.Uint16(b))), nil
	case typ == "I" && len(b) == 4:
		return float64(int32(le.Uint32(b))), nil
	}
	return 0, fmt.Errorf("unsupported type %s%d", typ, len(b))
}

// WritePCD writes an ascii PCD v0.7 file with x y z and normals
func WritePCD(w io.Writer, cloud Cloud) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# .PCD v0.7 - Point Cloud Data file format")
	fmt.Fprintln(bw, "VERSION 0.7")
	fmt.Fprintln(bw, "FIELDS x y z normal_x normal_y normal_z")
	fmt.Fprintln(bw, "SIZE 8 8 8 8 8 8")
	fmt.Fprintln(bw, "TYPE F F F F F F")
	fmt.Fprintln(bw, "COUNT 1 1 1 1 1 1")
	fmt.Fprintf(bw, "WIDTH %d\n", len(cloud))
	fmt.Fprintln(bw, "HEIGHT 1")
	fmt.Fprintln(bw, "VIEWPOINT 0 0 0 1 0 0 0")
	fmt.Fprintf(bw, "POINTS %d\n", len(cloud))
	fmt.Fprintln(bw, "DATA ascii")
	for _, p := range cloud {
		if _, err := fmt.Fprintf(bw, "%g %g %g %g %g %g\n",
			p.Pos.X, p.Pos.Y, p.Pos.Z, p.Normal.X, p.Normal.Y, p.Normal.Z); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func atoiAll(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, s := range args {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// LoadCloud reads a cloud file, choosing the format by extension
// (.pcd, otherwise xyz).
func LoadCloud(path string) (Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cloud file: %w", err)
	}
	defer f.Close()

	var cloud Cloud
	if strings.EqualFold(filepath.Ext(path), ".pcd") {
		cloud, err = ReadPCD(f)
	} else {
		cloud, err = ReadXYZ(f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cloud, nil
}

// SaveCloud writes a cloud file, choosing the format by extension
func SaveCloud(path string, cloud Cloud) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating cloud directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cloud file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".pcd") {
		err = WritePCD(f, cloud)
	} else {
		err = WriteXYZ(f, cloud)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
