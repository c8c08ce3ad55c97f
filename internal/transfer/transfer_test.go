package transfer

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/rirb-go/rirb/internal/listing"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type copyCall struct {
	src, dst, listPath, backupDir string
	extraFlags                    []string
}

type moveCall struct {
	src, dst, listPath string
}

type fakeDriver struct {
	copies       []copyCall
	moves        []moveCall
	moveTos      [][2]string
	rmdirs       []string
	canHaveEmpty bool
	rmdirsErr    error
}

func (f *fakeDriver) Copy(_ context.Context, src, dst, listPath, backupDir string, extraFlags []string) error {
	f.copies = append(f.copies, copyCall{src, dst, listPath, backupDir, extraFlags})
	return nil
}

func (f *fakeDriver) Move(_ context.Context, src, dst, listPath string) error {
	f.moves = append(f.moves, moveCall{src, dst, listPath})
	return nil
}

func (f *fakeDriver) MoveTo(_ context.Context, src, dst string) error {
	f.moveTos = append(f.moveTos, [2]string{src, dst})
	return nil
}

func (f *fakeDriver) Rmdirs(_ context.Context, dir string) error {
	f.rmdirs = append(f.rmdirs, dir)
	return f.rmdirsErr
}

func (f *fakeDriver) CanHaveEmptyDirectories(_ context.Context, _ string) (bool, error) {
	return f.canHaveEmpty, nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func Test_Unit_Transfer_SplitsBySizeChange_Success(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	d := &fakeDriver{}

	curr := listing.Map{"same": {Size: 5}, "diff": {Size: 9}, "new": {Size: 1}}
	prev := listing.Map{"same": {Size: 5}, "diff": {Size: 5}}

	err := Transfer(context.Background(), d, fsys, "/tmp", Paths{Src: "s:", Curr: "d:/curr", Back: "d:/back/ts"},
		curr, prev, []string{"new"}, []string{"same", "diff"}, discardLog())

	require.NoError(t, err)
	require.Len(t, d.copies, 2)
	require.Contains(t, d.copies[0].extraFlags, "--ignore-times")
	require.Contains(t, d.copies[1].extraFlags, "--size-only")
}

func Test_Unit_Transfer_NothingToDo_NoCalls(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	err := Transfer(context.Background(), d, afero.NewMemMapFs(), "/tmp", Paths{}, nil, nil, nil, nil, discardLog())

	require.NoError(t, err)
	require.Empty(t, d.copies)
}

func Test_Unit_Delete_IssuesSingleMove_Success(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	err := Delete(context.Background(), d, afero.NewMemMapFs(), "/tmp", Paths{Curr: "d:/curr", Back: "d:/back/ts"},
		[]string{"a", "b"}, discardLog())

	require.NoError(t, err)
	require.Len(t, d.moves, 1)
	require.Equal(t, "d:/curr", d.moves[0].src)
	require.Equal(t, "d:/back/ts", d.moves[0].dst)
}

func Test_Unit_Delete_NoFiles_NoOp(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	err := Delete(context.Background(), d, afero.NewMemMapFs(), "/tmp", Paths{}, nil, discardLog())

	require.NoError(t, err)
	require.Empty(t, d.moves)
}

func Test_Unit_Rename_OnePerPair_Success(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{}
	err := Rename(context.Background(), d, Paths{Curr: "d:/curr"}, [][2]string{{"old", "new"}}, discardLog())

	require.NoError(t, err)
	require.Equal(t, [][2]string{{"d:/curr/old", "d:/curr/new"}}, d.moveTos)
}

func Test_Unit_CleanupEmptyDirs_Auto_SkipsWhenUnsupported(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{canHaveEmpty: false}
	err := CleanupEmptyDirs(context.Background(), d, Paths{Curr: "d:/curr"}, "auto",
		listing.Map{"a/b": {}}, listing.Map{}, discardLog())

	require.NoError(t, err)
	require.Empty(t, d.rmdirs)
}

func Test_Unit_CleanupEmptyDirs_DisabledWhenFalse(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{canHaveEmpty: true}
	err := CleanupEmptyDirs(context.Background(), d, Paths{Curr: "d:/curr"}, "false",
		listing.Map{"a/b": {}}, listing.Map{}, discardLog())

	require.NoError(t, err)
	require.Empty(t, d.rmdirs)
}

func Test_Unit_CleanupEmptyDirs_DropsAlreadyQueuedChildren(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{canHaveEmpty: true}
	prev := listing.Map{"a/b/c.txt": {}, "a/b/d/e.txt": {}}
	curr := listing.Map{}

	err := CleanupEmptyDirs(context.Background(), d, Paths{Curr: "d:/curr"}, "true", prev, curr, discardLog())

	require.NoError(t, err)
	// "a" must be queued before its descendants "a/b" and "a/b/d" are skipped.
	require.Equal(t, []string{"d:/curr/a"}, d.rmdirs)
}

func Test_Unit_CleanupEmptyDirs_ToleratesRmdirsFailure(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{canHaveEmpty: true, rmdirsErr: errors.New("dir not empty")}
	prev := listing.Map{"a/f.txt": {}}
	curr := listing.Map{}

	err := CleanupEmptyDirs(context.Background(), d, Paths{Curr: "d:/curr"}, "true", prev, curr, discardLog())

	require.NoError(t, err)
	require.Equal(t, []string{"d:/curr/a"}, d.rmdirs)
}
