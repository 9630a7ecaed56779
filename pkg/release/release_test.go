package release

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glorpus-work/pahkat/pkg/errors"
	"github.com/glorpus-work/pahkat/pkg/types"
)

const sampleTOML = `
[release]
version = "2.1.0"
channel = "nightly"
authors = ["Example Org"]
license = "MIT"
license_url = "https://example.com/LICENSE"

[[target]]
platform = "windows"
arch = "x86_64"

[target.windows_executable]
url = "https://example.com/dl/kbd.msi"
product_code = "{AAAA-BBBB}"
size = 1024
installed_size = 4096
kind = "msi"
args = "/norestart"
flags = ["target_system", "requires_reboot"]

[[target]]
platform = "macos"

[target.macos_package]
url = "https://example.com/dl/kbd.pkg"
pkg_id = "com.example.kbd"
size = 2048
installed_size = 8192

[[target]]
platform = "linux"

[target.tarball_package]
url = "https://example.com/dl/kbd.tar.xz"
size = 512
installed_size = 1024
`

func TestParse_FullMetadata(t *testing.T) {
	meta, err := Parse([]byte(sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", meta.Release.Version)
	assert.Equal(t, "nightly", meta.Release.Channel)
	assert.Equal(t, []string{"Example Org"}, meta.Release.Authors)
	require.Len(t, meta.Targets, 3)
}

func TestToRelease(t *testing.T) {
	meta, err := Parse([]byte(sampleTOML))
	require.NoError(t, err)

	release, err := meta.ToRelease()
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", release.Version)
	require.Len(t, release.Targets, 3)

	win, ok := release.Targets[0].Payload.(*types.WindowsExecutable)
	require.True(t, ok)
	assert.Equal(t, types.WindowsKindMsi, win.Kind)
	assert.True(t, win.Flags.Has(types.TargetSystemFlag|types.RequiresRebootFlag))

	mac, ok := release.Targets[1].Payload.(*types.MacOSPackage)
	require.True(t, ok)
	assert.Equal(t, "com.example.kbd", mac.PkgID)

	tarball, ok := release.Targets[2].Payload.(*types.TarballPackage)
	require.True(t, ok)
	assert.Equal(t, int64(512), tarball.Size)
}

func TestParse_RoundTrip(t *testing.T) {
	meta, err := Parse([]byte(sampleTOML))
	require.NoError(t, err)

	data, err := meta.Marshal()
	require.NoError(t, err)

	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, meta, again)
}

func TestParse_MissingVersion(t *testing.T) {
	_, err := Parse([]byte("[release]\nchannel = \"beta\"\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigParse))
}

func TestParse_TwoPayloadTables(t *testing.T) {
	input := `
[release]
version = "1.0.0"

[[target]]
platform = "linux"

[target.tarball_package]
url = "https://example.com/a.tar.xz"
size = 1
installed_size = 1

[target.macos_package]
url = "https://example.com/a.pkg"
pkg_id = "com.example.a"
size = 1
installed_size = 1
`
	_, err := Parse([]byte(input))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPayloadTag))
}

func TestParse_UnknownWindowsKind(t *testing.T) {
	input := `
[release]
version = "1.0.0"

[[target]]
platform = "windows"

[target.windows_executable]
url = "https://example.com/a.exe"
product_code = "{X}"
size = 1
installed_size = 1
kind = "wise"
`
	_, err := Parse([]byte(input))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPayloadTag))
}
