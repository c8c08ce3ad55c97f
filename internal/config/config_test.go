package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, fsys afero.Fs, path, body string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fsys, path, []byte(body), 0o644))
}

func Test_Unit_Load_MinimalValid_Success(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "src: /data\ndst: remote:bucket\n")

	cfg, err := Load(fsys, "/cfg/rirb.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, "/data", cfg.Src)
	require.Equal(t, "remote:bucket", cfg.Dst)
	require.Equal(t, "size", cfg.Compare)
	require.InDelta(t, 1.1, cfg.Dt, 0.0001)
}

func Test_Unit_Load_UnknownKey_Rejected(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "src: /data\ndst: remote:bucket\nnotareal_key: 1\n")

	_, err := Load(fsys, "/cfg/rirb.yaml", nil)
	require.ErrorIs(t, err, ErrConfigMalformed)
}

func Test_Unit_Load_MissingFile_Error(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	_, err := Load(fsys, "/cfg/missing.yaml", nil)
	require.ErrorIs(t, err, ErrConfigMissing)
}

func Test_Unit_Load_MissingSrcDst_Error(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "compare: size\n")

	_, err := Load(fsys, "/cfg/rirb.yaml", nil)
	require.ErrorIs(t, err, ErrMissingSrcDst)
}

func Test_Unit_Load_InvalidCompare_Error(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "src: /data\ndst: remote:bucket\ncompare: bogus\n")

	_, err := Load(fsys, "/cfg/rirb.yaml", nil)
	require.ErrorIs(t, err, ErrInvalidCompare)
}

func Test_Unit_Load_FilterFlagInRcloneFlags_Rejected(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "src: /data\ndst: remote:bucket\nrclone_flags: [\"--exclude=*.tmp\"]\n")

	_, err := Load(fsys, "/cfg/rirb.yaml", nil)
	require.ErrorIs(t, err, ErrFilterFlagMisplace)
}

func Test_Unit_Load_RelativeSrcDst_ResolvedAgainstConfigDir(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/sub/rirb.yaml", "src: here\ndst: remote:bucket\n")

	cfg, err := Load(fsys, "/cfg/sub/rirb.yaml", nil)
	require.NoError(t, err)
	require.Equal(t, "/cfg/sub/here", cfg.Src)
	require.Equal(t, "remote:bucket", cfg.Dst)
}

func Test_Unit_Load_OverrideWinsOverFileBody(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "src: /data\ndst: remote:bucket\ncompare: size\n")

	cfg, err := Load(fsys, "/cfg/rirb.yaml", []string{"compare=hash"})
	require.NoError(t, err)
	require.Equal(t, "hash", cfg.Compare)
}

func Test_Unit_Load_MalformedOverride_Error(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "src: /data\ndst: remote:bucket\n")

	_, err := Load(fsys, "/cfg/rirb.yaml", []string{"no-equals-sign"})
	require.ErrorIs(t, err, ErrOverrideMalformed)
}

func Test_Unit_RedactedEnv_HidesConfigPass(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.RcloneEnv = map[string]string{"RCLONE_CONFIG_PASS": "donotshow", "OTHER": "visible"}

	redacted := cfg.RedactedEnv()
	require.Equal(t, "REDACTED", redacted["RCLONE_CONFIG_PASS"])
	require.Equal(t, "visible", redacted["OTHER"])
	require.Equal(t, "donotshow", cfg.RcloneEnv["RCLONE_CONFIG_PASS"])
}

func Test_Unit_WriteTemplate_RefusesExisting(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, "/cfg/rirb.yaml", "already here\n")

	err := WriteTemplate(fsys, "/cfg/rirb.yaml")
	require.ErrorIs(t, err, ErrTemplateExists)
}

func Test_Unit_WriteTemplate_WritesLoadableConfig(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()

	require.NoError(t, WriteTemplate(fsys, "/cfg/rirb.yaml"))

	exists, err := afero.Exists(fsys, "/cfg/rirb.yaml")
	require.NoError(t, err)
	require.True(t, exists)

	_, err = Load(fsys, "/cfg/rirb.yaml", nil)
	require.NoError(t, err)
}
