package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	lzf "github.com/zhuyie/golzf"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary_compressed format for pcd.
	PCDCompressed PCDType = 2
)

type pcdFieldType int

const (
	pcdPointOnly pcdFieldType = iota
	pcdPointColor
	pcdPointLabel
	pcdPointColorLabel
)

func (t pcdFieldType) numFields() int {
	switch t {
	case pcdPointColorLabel:
		return 5
	case pcdPointColor, pcdPointLabel:
		return 4
	default:
		return 3
	}
}

func (t pcdFieldType) hasColor() bool {
	return t == pcdPointColor || t == pcdPointColorLabel
}

func (t pcdFieldType) hasLabel() bool {
	return t == pcdPointLabel || t == pcdPointColorLabel
}

func (t pcdFieldType) headerLines() (fields, size, typ, count string) {
	switch t {
	case pcdPointColorLabel:
		return "x y z rgb label", "4 4 4 4 4", "F F F I U", "1 1 1 1 1"
	case pcdPointColor:
		return "x y z rgb", "4 4 4 4", "F F F I", "1 1 1 1"
	case pcdPointLabel:
		return "x y z label", "4 4 4 4", "F F F U", "1 1 1 1"
	default:
		return "x y z", "4 4 4", "F F F", "1 1 1"
	}
}

func fieldTypeFor(meta MetaData) pcdFieldType {
	switch {
	case meta.HasColor && meta.HasLabel:
		return pcdPointColorLabel
	case meta.HasColor:
		return pcdPointColor
	case meta.HasLabel:
		return pcdPointLabel
	default:
		return pcdPointOnly
	}
}

func _colorToPCDInt(pt Data) int {
	if pt == nil || !pt.HasColor() {
		return 255 << 16
	}

	r, g, b := pt.RGB255()
	x := 0

	x |= (int(r) << 16)
	x |= (int(g) << 8)
	x |= (int(b) << 0)
	return x
}

func _pcdIntToColor(c int) color.NRGBA {
	r := uint8(0xFF & (c >> 16))
	g := uint8(0xFF & (c >> 8))
	b := uint8(0xFF & (c >> 0))
	return color.NRGBA{r, g, b, 255}
}

// ToPCD writes out a point cloud to a PCD file of the specified type.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	var err error
	ft := fieldTypeFor(cloud.MetaData())
	fields, size, typ, count := ft.headerLines()

	_, err = fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n",
		fields, size, typ, count)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		cloud.Size(),
		1,
		cloud.Size())
	if err != nil {
		return err
	}

	switch outputType {
	case PCDBinary:
		_, err = fmt.Fprintf(out, "DATA binary\n")
		if err != nil {
			return err
		}
		return writePCDData(cloud, out, ft, outputType)
	case PCDAscii:
		_, err = fmt.Fprintf(out, "DATA ascii\n")
		if err != nil {
			return err
		}
		return writePCDData(cloud, out, ft, outputType)
	case PCDCompressed:
		_, err = fmt.Fprintf(out, "DATA binary_compressed\n")
		if err != nil {
			return err
		}
		return writePCDCompressed(cloud, out, ft)
	default:
		return errors.Errorf("unknown pcd type %d", outputType)
	}
}

func writePCDData(cloud PointCloud, out io.Writer, ft pcdFieldType, pcdtype PCDType) error {
	var err error
	cloud.Iterate(func(pos r3.Vector, d Data) bool {
		switch pcdtype {
		case PCDBinary:
			buf := make([]byte, 0, ft.numFields()*4)
			buf = appendFloat32(buf, pos.X)
			buf = appendFloat32(buf, pos.Y)
			buf = appendFloat32(buf, pos.Z)
			if ft.hasColor() {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(_colorToPCDInt(d)))
			}
			if ft.hasLabel() {
				buf = binary.LittleEndian.AppendUint32(buf, labelOf(d))
			}
			_, err = out.Write(buf)
		case PCDAscii:
			_, err = fmt.Fprintf(out, "%f %f %f", pos.X, pos.Y, pos.Z)
			if err == nil && ft.hasColor() {
				_, err = fmt.Fprintf(out, " %d", _colorToPCDInt(d))
			}
			if err == nil && ft.hasLabel() {
				_, err = fmt.Fprintf(out, " %d", labelOf(d))
			}
			if err == nil {
				_, err = fmt.Fprintf(out, "\n")
			}
		}
		return err == nil
	})
	return err
}

// writePCDCompressed stores the cloud the way PCL does for binary_compressed:
// the per-point rows are reordered into one array per field, LZF compressed,
// and prefixed with the compressed and uncompressed byte counts.
func writePCDCompressed(cloud PointCloud, out io.Writer, ft pcdFieldType) error {
	n := cloud.Size()
	numFields := ft.numFields()
	raw := make([]byte, n*numFields*4)

	i := 0
	cloud.Iterate(func(pos r3.Vector, d Data) bool {
		off := i * 4
		stride := n * 4
		binary.LittleEndian.PutUint32(raw[off:], math.Float32bits(float32(pos.X)))
		binary.LittleEndian.PutUint32(raw[stride+off:], math.Float32bits(float32(pos.Y)))
		binary.LittleEndian.PutUint32(raw[2*stride+off:], math.Float32bits(float32(pos.Z)))
		next := 3
		if ft.hasColor() {
			binary.LittleEndian.PutUint32(raw[next*stride+off:], uint32(_colorToPCDInt(d)))
			next++
		}
		if ft.hasLabel() {
			binary.LittleEndian.PutUint32(raw[next*stride+off:], labelOf(d))
		}
		i++
		return true
	})

	// LZF can expand incompressible input, so give it room.
	compressed := make([]byte, 2*len(raw)+64)
	written, err := lzf.Compress(raw, compressed)
	if err != nil {
		return errors.Wrap(err, "lzf compression failed")
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header, uint32(written))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(raw)))
	if _, err := out.Write(header); err != nil {
		return err
	}
	_, err = out.Write(compressed[:written])
	return err
}

func appendFloat32(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(f)))
}

func labelOf(d Data) uint32 {
	if d == nil || !d.HasLabel() {
		return 0
	}
	return d.Label()
}

type pcdValType string

const (
	pcdValFloat pcdValType = "F"
	pcdValInt   pcdValType = "I"
	pcdValUInt  pcdValType = "U"
)

type pcdHeader struct {
	fields    pcdFieldType
	size      []uint64
	type_     []pcdValType
	count     []uint64
	width     uint64
	height    uint64
	viewpoint [7]float64
	points    uint64
	data      PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	tokens := strings.Split(value, " ")
	if field != name {
		return fmt.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return fmt.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch value {
		case "x y z":
			header.fields = pcdPointOnly
		case "x y z rgb":
			header.fields = pcdPointColor
		case "x y z label":
			header.fields = pcdPointLabel
		case "x y z rgb label":
			header.fields = pcdPointColorLabel
		default:
			return fmt.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		if len(tokens) != header.fields.numFields() {
			return fmt.Errorf("unexpected number of fields in SIZE line")
		}
		header.size = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.size[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid SIZE field %s", token)
			}
			// every supported field is 4 bytes wide; anything else would
			// desync the fixed-width readers
			if header.size[i] != 4 {
				return fmt.Errorf("unsupported pcd field size %s, expected 4", token)
			}
		}
	case "TYPE":
		if len(tokens) != header.fields.numFields() {
			return fmt.Errorf("unexpected number of fields in TYPE line")
		}
		header.type_ = make([]pcdValType, len(tokens))
		for i, token := range tokens {
			header.type_[i] = pcdValType(token)
		}
	case "COUNT":
		if len(tokens) != header.fields.numFields() {
			return fmt.Errorf("unexpected number of fields in COUNT line")
		}
		header.count = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.count[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid COUNT field %s: %s", token, err)
			}
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid WIDTH field %s: %s", value, err)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid HEIGHT field %s: %s", value, err)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return fmt.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
		for i, token := range tokens {
			header.viewpoint[i], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return fmt.Errorf("invalid VIEWPOINT field %s: %s", token, err)
			}
		}
	case "POINTS":
		var points uint64
		points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid POINTS field %s: %s", value, err)
		}
		if points != header.width*header.height {
			return fmt.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", points, header.width*header.height)
		}
		header.points = points
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return fmt.Errorf("unsupported pcd data type %s", value)
		}
	}

	return nil
}

// ReadPCD reads a PCD file into a pointcloud.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	var line string
	var err error
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err = in.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading header line %d: %s", headerLineCount, err)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}
	switch header.data {
	case PCDAscii:
		return readPCDAscii(in, header)
	case PCDBinary:
		return readPCDBinary(in, header)
	case PCDCompressed:
		return readPCDCompressed(in, header)
	default:
		return nil, fmt.Errorf("unsupported pcd data type %v", header.data)
	}
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		tokens := strings.Split(line, " ")
		if len(tokens) != header.fields.numFields() {
			return nil, fmt.Errorf("unexpected number of fields in point %d", i)
		}
		point := make([]float64, len(tokens))
		for j, token := range tokens {
			point[j], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid point %d field %s: %s", i, token, err)
			}
		}
		pcPoint, data, err := readSliceToPoint(point, header)
		if err != nil {
			return nil, err
		}
		pc.Append(pcPoint, data)
	}
	return pc, nil
}

func readPCDBinary(in io.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	for i := 0; i < int(header.points); i++ {
		pointBuf := make([]float64, header.fields.numFields())
		for j := 0; j < header.fields.numFields(); j++ {
			buf := make([]byte, header.size[j])
			if _, err := io.ReadFull(in, buf); err != nil {
				return nil, err
			}
			u := binary.LittleEndian.Uint32(buf)
			// integer valued fields (rgb, label) must not go through float bits
			if header.type_[j] == pcdValFloat {
				pointBuf[j] = float64(math.Float32frombits(u))
			} else {
				pointBuf[j] = float64(u)
			}
		}
		point, data, err := readSliceToPoint(pointBuf, header)
		if err != nil {
			return nil, err
		}
		pc.Append(point, data)
	}
	return pc, nil
}

func readPCDCompressed(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	sizes := make([]byte, 8)
	if _, err := io.ReadFull(in, sizes); err != nil {
		return nil, err
	}
	compressedSize := binary.LittleEndian.Uint32(sizes)
	uncompressedSize := binary.LittleEndian.Uint32(sizes[4:])

	compressed := make([]byte, compressedSize)
	if _, err := io.ReadFull(in, compressed); err != nil {
		return nil, err
	}
	raw := make([]byte, uncompressedSize)
	written, err := lzf.Decompress(compressed, raw)
	if err != nil {
		return nil, errors.Wrap(err, "lzf decompression failed")
	}
	if written != int(uncompressedSize) {
		return nil, fmt.Errorf("unexpected decompressed size %d, want %d", written, uncompressedSize)
	}

	n := int(header.points)
	numFields := header.fields.numFields()
	if n*numFields*4 != int(uncompressedSize) {
		return nil, fmt.Errorf("compressed payload holds %d bytes, want %d", uncompressedSize, n*numFields*4)
	}

	pc := NewWithPrealloc(n)
	stride := n * 4
	for i := 0; i < n; i++ {
		pointBuf := make([]float64, numFields)
		for j := 0; j < numFields; j++ {
			u := binary.LittleEndian.Uint32(raw[j*stride+i*4:])
			if header.type_[j] == pcdValFloat {
				pointBuf[j] = float64(math.Float32frombits(u))
			} else {
				pointBuf[j] = float64(u)
			}
		}
		point, data, err := readSliceToPoint(pointBuf, header)
		if err != nil {
			return nil, err
		}
		pc.Append(point, data)
	}
	return pc, nil
}

func readSliceToPoint(slice []float64, header pcdHeader) (r3.Vector, Data, error) {
	pos := r3.Vector{X: slice[0], Y: slice[1], Z: slice[2]}
	data := NewBasicData()
	next := 3
	if header.fields.hasColor() {
		data = NewColoredData(_pcdIntToColor(int(slice[next])))
		next++
	}
	if header.fields.hasLabel() {
		data.SetLabel(uint32(slice[next]))
	}
	return pos, data, nil
}
