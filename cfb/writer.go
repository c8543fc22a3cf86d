package cfb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"unicode/utf16"
)

const (
	sectorSize     = 512 // version 3
	miniSectorSize = 64
	direntSize     = 128
	miniCutoff     = 0x1000
	noStream       = 0xFFFFFFFF
)

// Writer assembles a version 3 Compound File Binary document from named
// streams. Streams smaller than 4096 bytes are placed in the mini stream,
// larger ones get regular sectors. The directory is emitted as a flat
// sibling chain, which every reader that walks directory sectors in order
// (this package included) resolves correctly.
type Writer struct {
	names   []string
	streams map[string][]byte
}

// NewWriter returns an empty document writer.
func NewWriter() *Writer {
	return &Writer{streams: make(map[string][]byte)}
}

// WriteStream adds or replaces a named stream. Names are limited to 31
// UTF-16 code units by the directory entry format.
func (w *Writer) WriteStream(name string, data []byte) error {
	if name == "" {
		return errors.New("cfb: empty stream name")
	}
	if len(utf16.Encode([]rune(name))) > 31 {
		return fmt.Errorf("cfb: stream name '%s' too long", name)
	}
	if _, ok := w.streams[name]; !ok {
		w.names = append(w.names, name)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	w.streams[name] = cp
	return nil
}

// Save writes the assembled document to a file.
func (w *Writer) Save(filename string) error {
	b, err := w.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}

func padTo(b []byte, unit int) []byte {
	if rem := len(b) % unit; rem != 0 {
		b = append(b, make([]byte, unit-rem)...)
	}
	return b
}

func putName(d *directory, name string) {
	u := utf16.Encode([]rune(name))
	copy(d.Name[:], u)
	d.NameByteLen = int16((len(u) + 1) * 2)
}

// Bytes assembles and returns the document.
func (w *Writer) Bytes() ([]byte, error) {
	type entry struct {
		name  string
		data  []byte
		mini  bool
		start uint32
	}
	var entries []*entry
	for _, name := range w.names {
		data := w.streams[name]
		entries = append(entries, &entry{
			name: name,
			data: data,
			mini: len(data) < miniCutoff,
		})
	}

	// build the mini stream and its FAT
	var ministream []byte
	var minifat []uint32
	for _, e := range entries {
		if !e.mini {
			continue
		}
		if len(e.data) == 0 {
			e.start = secEndOfChain
			continue
		}
		e.start = uint32(len(minifat))
		n := (len(e.data) + miniSectorSize - 1) / miniSectorSize
		for i := 1; i < n; i++ {
			minifat = append(minifat, uint32(len(minifat))+1)
		}
		minifat = append(minifat, secEndOfChain)
		ministream = append(ministream, padTo(append([]byte(nil), e.data...), miniSectorSize)...)
	}
	ministream = padTo(ministream, sectorSize)

	// directory entries: root plus one per stream, padded to a full sector
	nDirents := 1 + len(entries)
	direntsPerSector := sectorSize / direntSize
	dirSectors := (nDirents + direntsPerSector - 1) / direntsPerSector
	miniFATBytes := fatBytes(minifat)
	miniFATSectors := len(miniFATBytes) / sectorSize
	miniStreamSectors := len(ministream) / sectorSize

	// sector ids are assigned in layout order: directory, mini FAT,
	// mini stream, large streams, then the FAT itself
	next := uint32(dirSectors + miniFATSectors + miniStreamSectors)
	var large [][]byte
	for _, e := range entries {
		if e.mini {
			continue
		}
		padded := padTo(append([]byte(nil), e.data...), sectorSize)
		e.start = next
		next += uint32(len(padded) / sectorSize)
		large = append(large, padded)
	}
	contentSectors := int(next)

	// the FAT covers every sector including its own
	fatSectors := 0
	entriesPerSector := sectorSize / 4
	for {
		n := (contentSectors + fatSectors + entriesPerSector - 1) / entriesPerSector
		if n == fatSectors {
			break
		}
		fatSectors = n
	}
	if fatSectors > 109 {
		return nil, errors.New("cfb: document too large for header DIFAT")
	}
	totalSectors := contentSectors + fatSectors

	fat := make([]uint32, totalSectors)
	chain := func(start, count int) {
		for i := 0; i < count-1; i++ {
			fat[start+i] = uint32(start + i + 1)
		}
		fat[start+count-1] = secEndOfChain
	}
	pos := 0
	chain(pos, dirSectors)
	pos += dirSectors
	miniFATStart := uint32(secEndOfChain)
	if miniFATSectors > 0 {
		miniFATStart = uint32(pos)
		chain(pos, miniFATSectors)
		pos += miniFATSectors
	}
	endOfChain := secEndOfChain
	miniStreamStart := int32(endOfChain)
	if miniStreamSectors > 0 {
		miniStreamStart = int32(pos)
		chain(pos, miniStreamSectors)
		pos += miniStreamSectors
	}
	for _, blob := range large {
		chain(pos, len(blob)/sectorSize)
		pos += len(blob) / sectorSize
	}
	for i := 0; i < fatSectors; i++ {
		fat[pos+i] = secFAT
	}

	// header
	h := &header{
		Signature:                    cfbSignature,
		MinorVersion:                 0x3E,
		MajorVersion:                 3,
		ByteOrder:                    0xFFFE,
		SectorShift:                  9,
		MiniSectorShift:              6,
		NumFATSectors:                int32(fatSectors),
		FirstDirectorySectorLocation: 0,
		MiniStreamCutoffSize:         miniCutoff,
		FirstMiniFATSectorLocation:   miniFATStart,
		NumMiniFATSectors:            int32(miniFATSectors),
		FirstDIFATSectorLocation:     secEndOfChain,
		NumDIFATSectors:              0,
	}
	for i := range h.DIFAT {
		if i < fatSectors {
			h.DIFAT[i] = uint32(contentSectors + i)
		} else {
			h.DIFAT[i] = secFree
		}
	}

	// directory
	root := &directory{
		ObjectType:             typeRootStorage,
		ColorFlag:              1,
		LeftSiblingID:          noStream,
		RightSiblingID:         noStream,
		ChildID:                noStream,
		StartingSectorLocation: miniStreamStart,
		StreamSize:             uint64(len(minifat)) * miniSectorSize,
	}
	putName(root, "Root Entry")
	if len(entries) > 0 {
		root.ChildID = 1
	}
	dirents := []*directory{root}
	for i, e := range entries {
		de := &directory{
			ObjectType:             typeStream,
			ColorFlag:              1,
			LeftSiblingID:          noStream,
			RightSiblingID:         noStream,
			ChildID:                noStream,
			StartingSectorLocation: int32(e.start),
			StreamSize:             uint64(len(e.data)),
		}
		putName(de, e.name)
		if i+1 < len(entries) {
			de.RightSiblingID = uint32(i + 2)
		}
		dirents = append(dirents, de)
	}
	for len(dirents) < dirSectors*direntsPerSector {
		dirents = append(dirents, &directory{
			ObjectType:     typeUnknown,
			LeftSiblingID:  noStream,
			RightSiblingID: noStream,
			ChildID:        noStream,
		})
	}

	// assemble
	buf := &bytes.Buffer{}
	le := binary.LittleEndian
	if err := binary.Write(buf, le, h); err != nil {
		return nil, err
	}
	for _, de := range dirents {
		if err := binary.Write(buf, le, de); err != nil {
			return nil, err
		}
	}
	buf.Write(miniFATBytes)
	buf.Write(ministream)
	for _, blob := range large {
		buf.Write(blob)
	}
	buf.Write(fatBytes(fat))
	return buf.Bytes(), nil
}

// fatBytes encodes FAT entries and pads the final sector with FREESECT.
func fatBytes(vals []uint32) []byte {
	n := len(vals)
	perSector := sectorSize / 4
	if rem := n % perSector; rem != 0 {
		n += perSector - rem
	}
	b := make([]byte, n*4)
	for i := 0; i < n; i++ {
		v := secFree
		if i < len(vals) {
			v = vals[i]
		}
		binary.LittleEndian.PutUint32(b[i*4:], v)
	}
	return b
}
