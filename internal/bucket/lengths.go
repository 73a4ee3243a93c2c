package bucket

import (
	"encoding/binary"
	"os"
)

// lengthTable is the persisted-per-bucket length table referenced by
// spec.md §3 invariant 3: "the stored length is derived from the entry's
// own framing ... looked up from the allocator via a length table
// persisted per bucket." One uint16 per record (bucket payloads are at
// most 4096 bytes, comfortably within 16 bits).
type lengthTable struct {
	path    string
	lengths []uint16
}

func openLengthTable(path string, numRecords uint32) (*lengthTable, error) {
	lt := &lengthTable{path: path, lengths: make([]uint16, numRecords)}
	raw, err := os.ReadFile(path)
	if err == nil {
		for i := 0; i*2+1 < len(raw) && uint32(i) < numRecords; i++ {
			lt.lengths[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return lt, nil
}

func (lt *lengthTable) grow(numRecords uint32) {
	if uint32(len(lt.lengths)) >= numRecords {
		return
	}
	grown := make([]uint16, numRecords)
	copy(grown, lt.lengths)
	lt.lengths = grown
}

func (lt *lengthTable) get(i uint32) uint16 {
	if int(i) >= len(lt.lengths) {
		return 0
	}
	return lt.lengths[i]
}

func (lt *lengthTable) set(i uint32, n uint16) {
	if int(i) >= len(lt.lengths) {
		lt.grow(i + 1)
	}
	lt.lengths[i] = n
}

func (lt *lengthTable) persist() error {
	raw := make([]byte, len(lt.lengths)*2)
	for i, n := range lt.lengths {
		binary.LittleEndian.PutUint16(raw[i*2:], n)
	}
	return os.WriteFile(lt.path, raw, 0o644)
}
