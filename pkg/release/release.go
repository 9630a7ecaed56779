// Package release reads and writes the TOML release metadata the
// uploader produces and publishers consume. It is the bridge between
// the publishing pipeline and the binary index's release entries.
package release

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/types"
)

// Metadata is one release as the uploader emits it.
type Metadata struct {
	Release Info     `toml:"release"`
	Targets []Target `toml:"target"`
}

// Info carries the release-wide fields.
type Info struct {
	Version    string   `toml:"version"`
	Channel    string   `toml:"channel,omitempty"`
	Authors    []string `toml:"authors,omitempty"`
	License    string   `toml:"license,omitempty"`
	LicenseURL string   `toml:"license_url,omitempty"`
}

// Target is one platform specialization; exactly one payload table must
// be present, tagged by its kind.
type Target struct {
	Platform     string            `toml:"platform"`
	Arch         string            `toml:"arch,omitempty"`
	Dependencies map[string]string `toml:"dependencies,omitempty"`

	WindowsExecutable *WindowsExecutable `toml:"windows_executable,omitempty"`
	MacOSPackage      *MacOSPackage      `toml:"macos_package,omitempty"`
	TarballPackage    *TarballPackage    `toml:"tarball_package,omitempty"`
}

// WindowsExecutable is the TOML form of the Windows payload.
type WindowsExecutable struct {
	URL           string   `toml:"url"`
	ProductCode   string   `toml:"product_code"`
	Size          int64    `toml:"size"`
	InstalledSize int64    `toml:"installed_size"`
	Kind          string   `toml:"kind"` // msi, inno, nsis
	Args          string   `toml:"args,omitempty"`
	UninstallArgs string   `toml:"uninstall_args,omitempty"`
	Flags         []string `toml:"flags,omitempty"`
}

// MacOSPackage is the TOML form of the macOS payload.
type MacOSPackage struct {
	URL           string   `toml:"url"`
	PkgID         string   `toml:"pkg_id"`
	Size          int64    `toml:"size"`
	InstalledSize int64    `toml:"installed_size"`
	Flags         []string `toml:"flags,omitempty"`
}

// TarballPackage is the TOML form of the tarball payload.
type TarballPackage struct {
	URL           string `toml:"url"`
	Size          int64  `toml:"size"`
	InstalledSize int64  `toml:"installed_size"`
}

// Flag names accepted in payload flag lists.
const (
	FlagTargetSystem            = "target_system"
	FlagTargetUser              = "target_user"
	FlagRequiresReboot          = "requires_reboot"
	FlagRequiresUninstallReboot = "requires_uninstall_reboot"
)

// Parse decodes release metadata from TOML.
func Parse(data []byte) (*Metadata, error) {
	var meta Metadata
	if err := toml.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrapf(errors.ErrConfigParse, "release metadata: %v", err)
	}
	if meta.Release.Version == "" {
		return nil, errors.Wrap(errors.ErrConfigParse, "release metadata has no version")
	}
	if _, err := types.ParseVersion(meta.Release.Version); err != nil {
		return nil, errors.Wrapf(errors.ErrConfigParse, "release metadata: %v", err)
	}
	for i := range meta.Targets {
		if _, err := meta.Targets[i].payload(); err != nil {
			return nil, err
		}
	}
	return &meta, nil
}

// Load reads release metadata from a file.
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return Parse(data)
}

// Marshal encodes the metadata back to TOML.
func (m *Metadata) Marshal() ([]byte, error) {
	data, err := toml.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode release metadata")
	}
	return data, nil
}

// ToRelease converts the metadata into an index release entry.
func (m *Metadata) ToRelease() (types.Release, error) {
	release := types.Release{
		Version: m.Release.Version,
		Channel: m.Release.Channel,
	}
	for i := range m.Targets {
		target := &m.Targets[i]
		payload, err := target.payload()
		if err != nil {
			return types.Release{}, err
		}
		release.Targets = append(release.Targets, types.Target{
			Platform:     target.Platform,
			Arch:         target.Arch,
			Dependencies: target.Dependencies,
			Payload:      payload,
		})
	}
	return release, nil
}

func (t *Target) payload() (types.Payload, error) {
	tables := 0
	if t.WindowsExecutable != nil {
		tables++
	}
	if t.MacOSPackage != nil {
		tables++
	}
	if t.TarballPackage != nil {
		tables++
	}
	if tables != 1 {
		return nil, errors.Wrapf(errors.ErrPayloadTag,
			"target %s carries %d payload tables, want exactly one", t.Platform, tables)
	}

	switch {
	case t.WindowsExecutable != nil:
		w := t.WindowsExecutable
		kind, err := windowsKind(w.Kind)
		if err != nil {
			return nil, err
		}
		flags, err := parseFlags(w.Flags)
		if err != nil {
			return nil, err
		}
		return &types.WindowsExecutable{
			URL:           w.URL,
			ProductCode:   w.ProductCode,
			Size:          w.Size,
			InstalledSize: w.InstalledSize,
			Flags:         flags,
			Kind:          kind,
			Args:          w.Args,
			UninstallArgs: w.UninstallArgs,
		}, nil
	case t.MacOSPackage != nil:
		p := t.MacOSPackage
		flags, err := parseFlags(p.Flags)
		if err != nil {
			return nil, err
		}
		return &types.MacOSPackage{
			URL:           p.URL,
			PkgID:         p.PkgID,
			Size:          p.Size,
			InstalledSize: p.InstalledSize,
			Flags:         flags,
		}, nil
	default:
		p := t.TarballPackage
		return &types.TarballPackage{
			URL:           p.URL,
			Size:          p.Size,
			InstalledSize: p.InstalledSize,
		}, nil
	}
}

func windowsKind(kind string) (types.WindowsExecutableKind, error) {
	switch kind {
	case "msi":
		return types.WindowsKindMsi, nil
	case "inno":
		return types.WindowsKindInno, nil
	case "nsis":
		return types.WindowsKindNsis, nil
	default:
		return 0, errors.Wrapf(errors.ErrPayloadTag, "unknown windows installer kind %q", kind)
	}
}

func parseFlags(names []string) (types.Flags, error) {
	var flags types.Flags
	for _, name := range names {
		switch name {
		case FlagTargetSystem:
			flags |= types.TargetSystemFlag
		case FlagTargetUser:
			flags |= types.TargetUserFlag
		case FlagRequiresReboot:
			flags |= types.RequiresRebootFlag
		case FlagRequiresUninstallReboot:
			flags |= types.RequiresUninstallRebootFlag
		default:
			return 0, errors.Wrapf(errors.ErrPayloadTag, "unknown payload flag %q", name)
		}
	}
	return flags, nil
}
