package types

import (
	"github.com/fxamacker/cbor/v2"
)

// Descriptor is the metadata node for one package: a stable id plus its
// releases, newest first within each channel.
type Descriptor struct {
	ID          string            `cbor:"id"`
	Name        map[string]string `cbor:"name,omitempty"`
	Description map[string]string `cbor:"description,omitempty"`
	Releases    []Release         `cbor:"releases"`
}

// NativeName returns the best display name for the given locale,
// falling back to English and then any available localization.
func (d *Descriptor) NativeName(locale string) string {
	if name, ok := d.Name[locale]; ok {
		return name
	}
	if name, ok := d.Name["en"]; ok {
		return name
	}
	for _, name := range d.Name {
		return name
	}
	return d.ID
}

// Release is one published version of a package. An empty channel means
// the stable channel.
type Release struct {
	Version string   `cbor:"version"`
	Channel string   `cbor:"channel,omitempty"`
	Targets []Target `cbor:"targets"`
}

// MatchesChannel reports whether the release is visible under the given
// configured channel: channel c sees releases tagged c plus stable
// releases, while an empty configuration sees only stable.
func (r *Release) MatchesChannel(channel string) bool {
	return r.Channel == "" || r.Channel == channel
}

// Target is the (platform, arch) specialization of a release together
// with its payload and dependency requirements. Dependencies map a
// package key URL to a version constraint.
type Target struct {
	Platform     string
	Arch         string
	Dependencies map[string]string
	Payload      Payload
}

// Matches reports whether the target applies to the given host platform
// and architecture. An empty target arch matches any host arch.
func (t *Target) Matches(hostPlatform, hostArch string) bool {
	if t.Platform != hostPlatform {
		return false
	}
	return t.Arch == "" || t.Arch == hostArch
}

// targetWire is the serialized form of Target; the payload kind
// discriminator sits directly beside the payload table.
type targetWire struct {
	Platform     string            `cbor:"platform"`
	Arch         string            `cbor:"arch,omitempty"`
	Dependencies map[string]string `cbor:"dependencies,omitempty"`
	PayloadKind  uint8             `cbor:"payload_kind"`
	Payload      cbor.RawMessage   `cbor:"payload"`
}

// MarshalCBOR implements cbor.Marshaler.
func (t Target) MarshalCBOR() ([]byte, error) {
	kind, raw, err := marshalPayload(t.Payload)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(targetWire{
		Platform:     t.Platform,
		Arch:         t.Arch,
		Dependencies: t.Dependencies,
		PayloadKind:  kind,
		Payload:      raw,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (t *Target) UnmarshalCBOR(data []byte) error {
	var wire targetWire
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := unmarshalPayload(wire.PayloadKind, wire.Payload)
	if err != nil {
		return err
	}
	t.Platform = wire.Platform
	t.Arch = wire.Arch
	t.Dependencies = wire.Dependencies
	t.Payload = payload
	return nil
}
