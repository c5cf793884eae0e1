package metafile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestCreateSingleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	writeFile(t, src, 100_000)
	out := filepath.Join(dir, "out", "payload.torrent")

	res, err := Create(src, CreateOptions{
		Output:   out,
		Trackers: []string{" udp://tracker.example:6969/announce ", ""},
		Comment:  "test build",
	})
	require.NoError(t, err)

	assert.Equal(t, "payload.bin", res.Name)
	assert.Equal(t, int64(100_000), res.TotalSize)
	assert.Equal(t, 1, res.FileCount)
	assert.Equal(t, dir, res.DataRoot)
	assert.Len(t, res.InfoHash, 40)
	assert.True(t, strings.HasPrefix(res.Magnet, "magnet:?xt=urn:btih:"), "magnet link should carry the info hash")
	assert.Equal(t, []string{"udp://tracker.example:6969/announce"}, res.Trackers)

	mi, info, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, res.InfoHash, mi.HashInfoBytes().HexString())
	assert.Equal(t, "test build", mi.Comment)
	assert.Equal(t, DefaultCreatedBy, mi.CreatedBy)
	assert.Equal(t, []string{"udp://tracker.example:6969/announce"}, Trackers(mi))
	assert.Equal(t, []File{{Path: "payload.bin", Size: 100_000}}, Files(info))
}

func TestCreateDirectoryLayout(t *testing.T) {
	dir := t.TempDir()
	content := filepath.Join(dir, "album")
	writeFile(t, filepath.Join(content, "a.bin"), 40_000)
	writeFile(t, filepath.Join(content, "disc2", "b.bin"), 20_000)
	out := filepath.Join(dir, "album.torrent")

	res, err := Create(content, CreateOptions{Output: out, PieceLength: 16 * 1024, Private: true})
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), res.TotalSize)
	assert.Equal(t, 2, res.FileCount)
	assert.Equal(t, int64(16*1024), res.PieceLength)

	_, info, err := Load(out)
	require.NoError(t, err)
	require.NotNil(t, info.Private)
	assert.True(t, *info.Private)

	files := Files(info)
	require.Len(t, files, 2)
	paths := []string{files[0].Path, files[1].Path}
	assert.ElementsMatch(t, []string{"album/a.bin", "album/disc2/b.bin"}, paths)
}

func TestCreateIsDeterministicForSameContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "same.bin")
	writeFile(t, src, 50_000)

	first, err := Create(src, CreateOptions{Output: filepath.Join(dir, "1.torrent")})
	require.NoError(t, err)
	second, err := Create(src, CreateOptions{Output: filepath.Join(dir, "2.torrent"), Comment: "different comment"})
	require.NoError(t, err)

	assert.Equal(t, first.InfoHash, second.InfoHash, "comment lives outside the info dictionary")
}

func TestCreateMissingPath(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "missing"), CreateOptions{})
	assert.Error(t, err)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.torrent")
	require.NoError(t, os.WriteFile(path, []byte("not bencode"), 0o644))
	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultOutput(t *testing.T) {
	assert.Equal(t, "movie.mkv.torrent", DefaultOutput("/data/movie.mkv"))
	assert.Equal(t, "album.torrent", DefaultOutput("/data/album/"))
}

func TestCleanTrackersDropsRepeats(t *testing.T) {
	public := PublicTrackers()
	got := cleanTrackers(append([]string{" " + public[0], "udp://private.example/announce"}, public...))
	assert.Equal(t, public[0], got[0])
	assert.Equal(t, "udp://private.example/announce", got[1])
	assert.Len(t, got, len(public)+1)
}
