package playerdata

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/Tnze/go-mc/nbt"
)

// datFile is a decoded player .dat: the root compound kept as raw tags
// so everything we do not touch survives a rewrite byte for byte.
type datFile struct {
	rootName string
	tags     map[string]nbt.RawMessage
}

func readDat(path string) (*datFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open player data: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tags := map[string]nbt.RawMessage{}
	rootName, err := nbt.NewDecoder(gz).Decode(&tags)
	if err != nil {
		return nil, fmt.Errorf("decode player nbt: %w", err)
	}
	return &datFile{rootName: rootName, tags: tags}, nil
}

func (d *datFile) write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create player data: %w", err)
	}
	gz := gzip.NewWriter(f)
	if err := nbt.NewEncoder(gz).Encode(d.tags, d.rootName); err != nil {
		gz.Close()
		f.Close()
		return fmt.Errorf("encode player nbt: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush gzip stream: %w", err)
	}
	return f.Close()
}

// position returns the Pos list as x, y, z.
func (d *datFile) position() (x, y, z float64, err error) {
	raw, ok := d.tags["Pos"]
	if !ok {
		return 0, 0, 0, fmt.Errorf("player data has no Pos tag")
	}
	if raw.Type != nbt.TagList {
		return 0, 0, 0, fmt.Errorf("Pos is tag type %d, want list", raw.Type)
	}
	// List payload: element type byte, int32 count, then payloads.
	data := raw.Data
	if len(data) < 5 || data[0] != nbt.TagDouble {
		return 0, 0, 0, fmt.Errorf("Pos is not a list of doubles")
	}
	if n := int32(binary.BigEndian.Uint32(data[1:5])); n < 3 {
		return 0, 0, 0, fmt.Errorf("Pos has %d elements, want 3", n)
	}
	if len(data) < 5+3*8 {
		return 0, 0, 0, fmt.Errorf("Pos payload truncated")
	}
	x = math.Float64frombits(binary.BigEndian.Uint64(data[5:]))
	y = math.Float64frombits(binary.BigEndian.Uint64(data[13:]))
	z = math.Float64frombits(binary.BigEndian.Uint64(data[21:]))
	return x, y, z, nil
}

func (d *datFile) setPosition(x, y, z float64) {
	data := make([]byte, 5+3*8)
	data[0] = nbt.TagDouble
	binary.BigEndian.PutUint32(data[1:5], 3)
	binary.BigEndian.PutUint64(data[5:], math.Float64bits(x))
	binary.BigEndian.PutUint64(data[13:], math.Float64bits(y))
	binary.BigEndian.PutUint64(data[21:], math.Float64bits(z))
	d.tags["Pos"] = nbt.RawMessage{Type: nbt.TagList, Data: data}
}

// dimension returns the Dimension tag, tolerating both the modern
// string form and the pre-1.16 numeric one.
func (d *datFile) dimension() string {
	raw, ok := d.tags["Dimension"]
	if !ok {
		return "minecraft:overworld"
	}
	switch raw.Type {
	case nbt.TagString:
		if len(raw.Data) < 2 {
			return "minecraft:overworld"
		}
		n := int(binary.BigEndian.Uint16(raw.Data[:2]))
		if len(raw.Data) < 2+n {
			return "minecraft:overworld"
		}
		return string(raw.Data[2 : 2+n])
	case nbt.TagInt:
		if len(raw.Data) != 4 {
			return "minecraft:overworld"
		}
		switch int32(binary.BigEndian.Uint32(raw.Data)) {
		case -1:
			return "minecraft:the_nether"
		case 1:
			return "minecraft:the_end"
		default:
			return "minecraft:overworld"
		}
	default:
		return "minecraft:overworld"
	}
}

func (d *datFile) setDimension(dim string) {
	data := make([]byte, 2+len(dim))
	binary.BigEndian.PutUint16(data[:2], uint16(len(dim)))
	copy(data[2:], dim)
	d.tags["Dimension"] = nbt.RawMessage{Type: nbt.TagString, Data: data}
}
