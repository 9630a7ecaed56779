package index

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/types"
)

func sampleDescriptor(id string) *types.Descriptor {
	return &types.Descriptor{
		ID:   id,
		Name: map[string]string{"en": id},
		Releases: []types.Release{
			{
				Version: "1.0.0",
				Targets: []types.Target{
					{
						Platform: "linux",
						Payload: &types.TarballPackage{
							URL:  "https://example.com/dl/" + id + ".tar.xz",
							Size: 42,
						},
					},
				},
			},
		},
	}
}

func TestIndex_RoundTrip(t *testing.T) {
	descriptors := []*types.Descriptor{
		sampleDescriptor("alpha"),
		sampleDescriptor("beta"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteIndex(&buf, descriptors))

	decoded, err := ReadIndex(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "alpha", decoded["alpha"].ID)
	assert.Equal(t, "1.0.0", decoded["beta"].Releases[0].Version)

	payload, ok := decoded["alpha"].Releases[0].Targets[0].Payload.(*types.TarballPackage)
	require.True(t, ok)
	assert.Equal(t, int64(42), payload.Size)
}

func TestReadIndex_RejectsUnknownMajor(t *testing.T) {
	body, err := types.Marshal(indexRoot{SchemaVersion: 2 << 16})
	require.NoError(t, err)
	data := frame(body)

	_, err = ReadIndex(bytes.NewReader(data))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchemaVersion))
}

func TestReadIndex_SkipsReservedValueTypes(t *testing.T) {
	desc, err := types.Marshal(sampleDescriptor("real"))
	require.NoError(t, err)
	body, err := types.Marshal(indexRoot{
		SchemaVersion: SchemaVersion,
		Packages: packagesTable{
			Keys:        []string{"real", "ghost"},
			ValuesTypes: []uint8{ValueTypeDescriptor, ValueTypeSynthetic},
			Values:      []cbor.RawMessage{desc, mustCBOR(t, map[string]string{})},
		},
	})
	require.NoError(t, err)

	decoded, err := ReadIndex(bytes.NewReader(frame(body)))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Contains(t, decoded, "real")
}

func TestReadIndex_LengthMismatch(t *testing.T) {
	body, err := types.Marshal(indexRoot{
		SchemaVersion: SchemaVersion,
		Packages: packagesTable{
			Keys:        []string{"a"},
			ValuesTypes: []uint8{ValueTypeDescriptor, ValueTypeDescriptor},
		},
	})
	require.NoError(t, err)

	_, err = ReadIndex(bytes.NewReader(frame(body)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSchemaVersion))
}

func TestReadIndex_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteIndex(&buf, []*types.Descriptor{sampleDescriptor("x")}))
	truncated := buf.Bytes()[:buf.Len()-10]

	_, err := ReadIndex(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

func frame(body []byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(body)))
	buf.Write(body)
	return buf.Bytes()
}

func mustCBOR(t *testing.T, v any) cbor.RawMessage {
	t.Helper()
	data, err := types.Marshal(v)
	require.NoError(t, err)
	return data
}
