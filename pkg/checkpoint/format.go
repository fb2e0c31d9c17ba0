package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dCache/dcache-sub032/pkg/types"
)

const (
	magic   = "RSCK"
	version = 1
)

var (
	ErrBadFormat        = errors.New("malformed checkpoint")
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

// Record is the persisted form of one file operation. Names are stored
// rather than topology indices, which do not survive a restart.
type Record struct {
	PnfsID     types.PnfsID          `json:"pnfsid"`
	Group      string                `json:"group"`
	Unit       string                `json:"unit,omitempty"`
	Retention  types.RetentionPolicy `json:"retention_policy"`
	State      string                `json:"state"`
	OpCount    int                   `json:"op_count"`
	RetryCount int                   `json:"retry_count"`
}

const (
	fieldPnfsID protowire.Number = iota + 1
	fieldGroup
	fieldUnit
	fieldRetention
	fieldState
	fieldOpCount
	fieldRetryCount
)

func appendRecord(b []byte, r Record) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldPnfsID, protowire.BytesType)
	msg = protowire.AppendString(msg, string(r.PnfsID))
	msg = protowire.AppendTag(msg, fieldGroup, protowire.BytesType)
	msg = protowire.AppendString(msg, r.Group)
	if r.Unit != "" {
		msg = protowire.AppendTag(msg, fieldUnit, protowire.BytesType)
		msg = protowire.AppendString(msg, r.Unit)
	}
	msg = protowire.AppendTag(msg, fieldRetention, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(r.Retention))
	msg = protowire.AppendTag(msg, fieldState, protowire.BytesType)
	msg = protowire.AppendString(msg, r.State)
	msg = protowire.AppendTag(msg, fieldOpCount, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(r.OpCount))
	msg = protowire.AppendTag(msg, fieldRetryCount, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(r.RetryCount))

	return protowire.AppendBytes(b, msg)
}

func parseRecord(msg []byte) (Record, error) {
	var r Record
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			msg = msg[n:]
			switch num {
			case fieldPnfsID:
				r.PnfsID = types.PnfsID(v)
			case fieldGroup:
				r.Group = v
			case fieldUnit:
				r.Unit = v
			case fieldState:
				r.State = v
			}
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			msg = msg[n:]
			switch num {
			case fieldRetention:
				r.Retention = types.RetentionPolicy(v)
			case fieldOpCount:
				r.OpCount = int(v)
			case fieldRetryCount:
				r.RetryCount = int(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	if r.PnfsID == "" {
		return r, fmt.Errorf("%w: record without pnfsid", ErrBadFormat)
	}
	return r, nil
}

// Encode renders records as header, length-delimited records and an
// xxhash64 trailer over everything before it.
func Encode(records []Record) []byte {
	b := protowire.AppendVarint([]byte(magic), version)
	for _, r := range records {
		b = appendRecord(b, r)
	}
	return binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b))
}

func Decode(data []byte) ([]Record, error) {
	if len(data) < len(magic)+1+8 || !bytes.Equal(data[:len(magic)], []byte(magic)) {
		return nil, ErrBadFormat
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(trailer) {
		return nil, ErrChecksumMismatch
	}

	body = body[len(magic):]
	v, n := protowire.ConsumeVarint(body)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, protowire.ParseError(n))
	}
	if v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFormat, v)
	}
	body = body[n:]

	var records []Record
	for len(body) > 0 {
		msg, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrBadFormat, protowire.ParseError(n))
		}
		body = body[n:]
		r, err := parseRecord(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse record %d: %w", len(records), err)
		}
		records = append(records, r)
	}
	return records, nil
}

// WriteFile replaces path atomically with the encoded records.
func WriteFile(path string, records []Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(Encode(records)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// ReadFile decodes the checkpoint at path. A missing file yields no records
// and an error satisfying os.IsNotExist.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	records, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return records, nil
}
