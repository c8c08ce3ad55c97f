package listing

import (
	"context"
	"log/slog"
	"testing"

	"github.com/rirb-go/rirb/internal/rclone"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	calls []rclone.LsjsonOpts
	pages [][]rclone.RawFile
	err   error
}

func (f *fakeLister) Lsjson(_ context.Context, _ string, opts rclone.LsjsonOpts) ([]rclone.RawFile, error) {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return nil, f.err
	}

	idx := len(f.calls) - 1
	if idx >= len(f.pages) {
		return nil, nil
	}

	return f.pages[idx], nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func Test_Unit_FromRawFiles_StripsIgnoredFields_Success(t *testing.T) {
	t.Parallel()

	got := FromRawFiles([]rclone.RawFile{
		{Path: "a/b.txt", Size: 10, ModTime: "2023-01-01T000000Z", IsDir: false, Name: "b.txt", ID: "x", Tier: "hot"},
	})

	require.Equal(t, Map{"a/b.txt": {Size: 10, ModTime: "2023-01-01T000000Z"}}, got)
}

func Test_Unit_ListSource_NoHashesNeeded_SinglePass_Success(t *testing.T) {
	t.Parallel()

	fake := &fakeLister{pages: [][]rclone.RawFile{
		{{Path: "f", Size: 5}},
	}}

	got, err := ListSource(context.Background(), fake, afero.NewMemMapFs(), "/tmp", "src:", nil,
		Policy{Compare: "size"}, discardLog())

	require.NoError(t, err)
	require.Equal(t, Map{"f": {Size: 5}}, got)
	require.Len(t, fake.calls, 1)
}

func Test_Unit_ListSource_ReuseHashes_MatchingSizeMtime_SkipsRelist(t *testing.T) {
	t.Parallel()

	fake := &fakeLister{pages: [][]rclone.RawFile{
		{{Path: "f", Size: 100, ModTime: "2023-01-01T000000.000000Z"}},
	}}

	prev := Map{"f": {Size: 100, ModTime: "2023-01-01T000000.000000Z", Hashes: map[string]string{"sha1": "X"}}}

	got, err := ListSource(context.Background(), fake, afero.NewMemMapFs(), "/tmp", "src:", prev,
		Policy{Compare: "hash", ReuseHashes: "mtime", Dt: 1.1}, discardLog())

	require.NoError(t, err)
	require.Equal(t, "X", got["f"].Hashes["sha1"])
	require.Len(t, fake.calls, 1, "no second hashing pass expected")
}

func Test_Unit_ListSource_ReuseHashes_DriftedMtime_TriggersRelist(t *testing.T) {
	t.Parallel()

	fake := &fakeLister{pages: [][]rclone.RawFile{
		{{Path: "f", Size: 100, ModTime: "2023-01-01T000002.000000Z"}},
		{{Path: "f", Size: 100, ModTime: "2023-01-01T000002.000000Z", Hashes: map[string]string{"sha1": "Y"}}},
	}}

	prev := Map{"f": {Size: 100, ModTime: "2023-01-01T000000.000000Z", Hashes: map[string]string{"sha1": "X"}}}

	got, err := ListSource(context.Background(), fake, afero.NewMemMapFs(), "/tmp", "src:", prev,
		Policy{Compare: "hash", ReuseHashes: "mtime", Dt: 1.1}, discardLog())

	require.NoError(t, err)
	require.Equal(t, "Y", got["f"].Hashes["sha1"])
	require.Len(t, fake.calls, 2, "drifted mtime must trigger a relist pass")
}

func Test_Unit_ListDest_ToolFailureUnderInit_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	fake := &fakeLister{err: &rclone.InvocationError{ExitCode: 1}}

	got, err := ListDest(context.Background(), fake, "dst:", Policy{Init: true}, discardLog())

	require.NoError(t, err)
	require.Empty(t, got)
}

func Test_Unit_ListDest_ToolFailureWithoutInit_Errors(t *testing.T) {
	t.Parallel()

	fake := &fakeLister{err: &rclone.InvocationError{ExitCode: 1}}

	_, err := ListDest(context.Background(), fake, "dst:", Policy{Init: false}, discardLog())

	require.Error(t, err)
}
