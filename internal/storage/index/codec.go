package index

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/storage/types"
)

// Journal record operations.
const (
	opAdd    = byte(1)
	opRemove = byte(2)
)

// encodeAdd serializes an add record.
//
// Layout: op(1) seq(8) session(16) start(8) end(8) offset(8) length(8)
// created(8) devlen(2) device(n)
func encodeAdd(e types.IndexEntry) []byte {
	buf := make([]byte, 0, 67+len(e.Device))
	buf = append(buf, opAdd)
	buf = binary.LittleEndian.AppendUint64(buf, e.BatchSeq)
	buf = append(buf, e.SessionID[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.StartMs))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.EndMs))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Offset))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Length))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.CreatedAtMs))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Device)))
	buf = append(buf, e.Device...)
	return buf
}

// encodeRemove serializes a remove record.
func encodeRemove(batchSeq uint64) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, opRemove)
	buf = binary.LittleEndian.AppendUint64(buf, batchSeq)
	return buf
}

// decodeRecord parses one journal record.
func decodeRecord(payload []byte) (op byte, e types.IndexEntry, err error) {
	if len(payload) < 9 {
		return 0, e, errors.Wrap(errors.ErrCorruptRecord, "short index record")
	}

	op = payload[0]
	e.BatchSeq = binary.LittleEndian.Uint64(payload[1:9])
	if op == opRemove {
		return op, e, nil
	}
	if op != opAdd {
		return 0, e, errors.Wrapf(errors.ErrCorruptRecord, "unknown op %d", op)
	}
	if len(payload) < 67 {
		return 0, e, errors.Wrap(errors.ErrCorruptRecord, "short add record")
	}

	e.SessionID = uuid.UUID(payload[9:25])
	e.StartMs = int64(binary.LittleEndian.Uint64(payload[25:33]))
	e.EndMs = int64(binary.LittleEndian.Uint64(payload[33:41]))
	e.Offset = int64(binary.LittleEndian.Uint64(payload[41:49]))
	e.Length = int64(binary.LittleEndian.Uint64(payload[49:57]))
	e.CreatedAtMs = int64(binary.LittleEndian.Uint64(payload[57:65]))

	devLen := int(binary.LittleEndian.Uint16(payload[65:67]))
	if len(payload) < 67+devLen {
		return 0, e, errors.Wrap(errors.ErrCorruptRecord, "truncated device name")
	}
	e.Device = string(payload[67 : 67+devLen])
	return op, e, nil
}
