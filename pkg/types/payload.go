package types

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/glorpus-work/pahkat/pkg/errors"
)

// Flags carries the target and reboot bits of a payload.
type Flags uint8

// Payload flag bits.
const (
	TargetSystemFlag Flags = 1 << iota
	TargetUserFlag
	RequiresRebootFlag
	RequiresUninstallRebootFlag
)

// Has reports whether all bits in f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// WindowsExecutableKind discriminates the Windows installer framework a
// payload was produced with.
type WindowsExecutableKind uint8

// Windows installer kinds.
const (
	WindowsKindMsi WindowsExecutableKind = iota
	WindowsKindInno
	WindowsKindNsis
)

// Payload is the tagged union of installable artifact shapes. The
// concrete types are WindowsExecutable, MacOSPackage and TarballPackage;
// the unexported method keeps the union closed.
type Payload interface {
	// DownloadURL is the location the payload is fetched from.
	DownloadURL() string
	// DownloadSize is the exact byte size of the payload on the wire.
	DownloadSize() int64
	// PayloadFlags returns the target/reboot flag bits.
	PayloadFlags() Flags

	payloadKind() uint8
}

// Wire discriminator values. The discriminator and the payload table
// travel together in targetWire so the byte layout matches the source
// format's type + table pairing.
const (
	payloadKindWindows uint8 = iota
	payloadKindMacOS
	payloadKindTarball
)

// WindowsExecutable is a Windows installer payload (MSI, Inno or NSIS).
type WindowsExecutable struct {
	URL           string                `cbor:"url"`
	ProductCode   string                `cbor:"product_code"`
	Size          int64                 `cbor:"size"`
	InstalledSize int64                 `cbor:"installed_size"`
	Flags         Flags                 `cbor:"flags"`
	Kind          WindowsExecutableKind `cbor:"kind"`
	Args          string                `cbor:"args,omitempty"`
	UninstallArgs string                `cbor:"uninstall_args,omitempty"`
}

// MacOSPackage is a macOS installer package payload.
type MacOSPackage struct {
	URL           string `cbor:"url"`
	PkgID         string `cbor:"pkg_id"`
	Size          int64  `cbor:"size"`
	InstalledSize int64  `cbor:"installed_size"`
	Flags         Flags  `cbor:"flags"`
}

// TarballPackage is a .tar.xz payload extracted into a prefix.
type TarballPackage struct {
	URL           string `cbor:"url"`
	Size          int64  `cbor:"size"`
	InstalledSize int64  `cbor:"installed_size"`
}

func (p *WindowsExecutable) DownloadURL() string { return p.URL }
func (p *WindowsExecutable) DownloadSize() int64 { return p.Size }
func (p *WindowsExecutable) PayloadFlags() Flags { return p.Flags }
func (p *WindowsExecutable) payloadKind() uint8  { return payloadKindWindows }

func (p *MacOSPackage) DownloadURL() string { return p.URL }
func (p *MacOSPackage) DownloadSize() int64 { return p.Size }
func (p *MacOSPackage) PayloadFlags() Flags { return p.Flags }
func (p *MacOSPackage) payloadKind() uint8  { return payloadKindMacOS }

func (p *TarballPackage) DownloadURL() string { return p.URL }
func (p *TarballPackage) DownloadSize() int64 { return p.Size }
func (p *TarballPackage) PayloadFlags() Flags { return 0 }
func (p *TarballPackage) payloadKind() uint8  { return payloadKindTarball }

func marshalPayload(p Payload) (uint8, cbor.RawMessage, error) {
	if p == nil {
		return 0, nil, errors.Wrap(errors.ErrPayloadTag, "target has no payload")
	}
	data, err := encMode.Marshal(p)
	if err != nil {
		return 0, nil, err
	}
	return p.payloadKind(), data, nil
}

func unmarshalPayload(kind uint8, data cbor.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case payloadKindWindows:
		p = &WindowsExecutable{}
	case payloadKindMacOS:
		p = &MacOSPackage{}
	case payloadKindTarball:
		p = &TarballPackage{}
	default:
		return nil, errors.Wrapf(errors.ErrPayloadTag, "unknown payload kind %d", kind)
	}
	if err := decMode.Unmarshal(data, p); err != nil {
		return nil, errors.Wrapf(errors.ErrPayloadTag, "decode payload kind %d: %v", kind, err)
	}
	return p, nil
}
