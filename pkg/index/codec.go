// Package index loads repository indexes: a compact binary catalogue of
// package descriptors fetched from each configured repository.
package index

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// SchemaVersion is the index format version this client reads and
// writes. The high 16 bits are the major version; readers reject
// indexes whose major differs.
const (
	SchemaVersionMajor uint32 = 1
	SchemaVersion      uint32 = SchemaVersionMajor << 16
)

// Package value discriminators. Only descriptors are in use; the other
// values are reserved by the format.
const (
	ValueTypeDescriptor uint8 = iota
	ValueTypeSynthetic
	ValueTypeRedirect
)

// Maximum accepted index frame, guarding against corrupt length
// prefixes on truncated bodies.
const maxIndexSize = 256 << 20

type indexRoot struct {
	SchemaVersion uint32        `cbor:"schema_version"`
	Packages      packagesTable `cbor:"packages"`
}

type packagesTable struct {
	Keys        []string          `cbor:"packages_keys"`
	ValuesTypes []uint8           `cbor:"packages_values_types"`
	Values      []cbor.RawMessage `cbor:"packages_values"`
}

// WriteIndex serializes descriptors as a length-prefixed binary index:
// a 4-byte big-endian frame length followed by the CBOR-encoded root.
func WriteIndex(w io.Writer, descriptors []*types.Descriptor) error {
	table := packagesTable{
		Keys:        make([]string, 0, len(descriptors)),
		ValuesTypes: make([]uint8, 0, len(descriptors)),
		Values:      make([]cbor.RawMessage, 0, len(descriptors)),
	}
	for _, desc := range descriptors {
		data, err := types.Marshal(desc)
		if err != nil {
			return fmt.Errorf("failed to encode descriptor %s: %w", desc.ID, err)
		}
		table.Keys = append(table.Keys, desc.ID)
		table.ValuesTypes = append(table.ValuesTypes, ValueTypeDescriptor)
		table.Values = append(table.Values, data)
	}

	body, err := types.Marshal(indexRoot{SchemaVersion: SchemaVersion, Packages: table})
	if err != nil {
		return fmt.Errorf("failed to encode index root: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write index body: %w", err)
	}
	return nil
}

// ReadIndex parses a binary index, returning descriptors keyed by
// package id. Unknown major versions are rejected; entries with
// reserved value types are skipped.
func ReadIndex(r io.Reader) (map[string]*types.Descriptor, error) {
	var frameLen uint32
	if err := binary.Read(r, binary.BigEndian, &frameLen); err != nil {
		return nil, errors.Wrap(errors.ErrSchemaVersion, "missing frame length")
	}
	if frameLen > maxIndexSize {
		return nil, errors.Wrapf(errors.ErrSchemaVersion, "frame length %d exceeds limit", frameLen)
	}
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "truncated index body: %v", err)
	}

	var root indexRoot
	if err := types.Unmarshal(body, &root); err != nil {
		return nil, errors.Wrapf(errors.ErrSchemaVersion, "malformed index root: %v", err)
	}
	if major := root.SchemaVersion >> 16; major != SchemaVersionMajor {
		return nil, errors.Wrapf(errors.ErrSchemaVersion, "index major version %d, expected %d", major, SchemaVersionMajor)
	}
	table := root.Packages
	if len(table.Keys) != len(table.Values) || len(table.Keys) != len(table.ValuesTypes) {
		return nil, errors.Wrapf(errors.ErrSchemaVersion,
			"packages table length mismatch: %d keys, %d types, %d values",
			len(table.Keys), len(table.ValuesTypes), len(table.Values))
	}

	descriptors := make(map[string]*types.Descriptor, len(table.Keys))
	for i, key := range table.Keys {
		if table.ValuesTypes[i] != ValueTypeDescriptor {
			// Synthetic and redirect values are reserved by the format.
			continue
		}
		desc := &types.Descriptor{}
		if err := types.Unmarshal(table.Values[i], desc); err != nil {
			return nil, errors.Wrapf(errors.ErrSchemaVersion, "malformed descriptor %s: %v", key, err)
		}
		if desc.ID != key {
			return nil, errors.Wrapf(errors.ErrSchemaVersion, "descriptor id %q does not match key %q", desc.ID, key)
		}
		descriptors[key] = desc
	}
	return descriptors, nil
}
