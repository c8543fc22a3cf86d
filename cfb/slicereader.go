package cfb

import (
	"errors"
	"io"
)

// SliceReader reads across a list of byte slices as if they were one
// contiguous stream, without copying the underlying data.
type SliceReader struct {
	Data   [][]byte
	Index  uint
	Offset uint
}

func (s *SliceReader) Read(b []byte) (int, error) {
	if s.Index >= uint(len(s.Data)) {
		return 0, io.EOF
	}
	n := copy(b, s.Data[s.Index][s.Offset:])
	if n > 0 {
		s.Offset += uint(n)
		if s.Offset == uint(len(s.Data[s.Index])) {
			s.Offset = 0
			s.Index++
		}
		return n, nil
	}

	return 0, io.EOF
}

func (s *SliceReader) size() int64 {
	var n int64
	for _, d := range s.Data {
		n += int64(len(d))
	}
	return n
}

func (s *SliceReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(s.Offset) + offset
		for i := uint(0); i < s.Index && i < uint(len(s.Data)); i++ {
			abs += int64(len(s.Data[i]))
		}
	case io.SeekEnd:
		abs = s.size() + offset
	default:
		return 0, errors.New("cfb: invalid seek whence")
	}
	if abs < 0 {
		return 0, errors.New("cfb: negative seek position")
	}

	s.Index, s.Offset = 0, 0
	pos := abs
	for s.Index < uint(len(s.Data)) && pos >= int64(len(s.Data[s.Index])) {
		pos -= int64(len(s.Data[s.Index]))
		s.Index++
	}
	s.Offset = uint(pos)
	return abs, nil
}
