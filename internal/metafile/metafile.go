// Package metafile creates and loads .torrent descriptors.
package metafile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const DefaultCreatedBy = "torrentctl"

// CreateOptions configures Create.
type CreateOptions struct {
	Output      string
	Trackers    []string
	WebSeeds    []string
	Comment     string
	CreatedBy   string
	PieceLength int64
	Private     bool
}

// Result summarizes a descriptor written by Create.
type Result struct {
	InfoHash    string
	Name        string
	TotalSize   int64
	FileCount   int
	PieceLength int64
	Output      string
	DataRoot    string
	Magnet      string
	Trackers    []string
}

// File is one entry of a descriptor with its path relative to the data root.
type File struct {
	Path string
	Size int64
}

// DefaultOutput is the descriptor path used when none is given.
func DefaultOutput(path string) string {
	return filepath.Base(filepath.Clean(path)) + ".torrent"
}

// DataRoot returns the directory a seeder must be pointed at to serve path.
func DataRoot(path string) string {
	root := filepath.Dir(filepath.Clean(path))
	if root == "" {
		return "."
	}
	return root
}

// Create hashes the file or directory at path and writes a descriptor for it.
func Create(path string, opts CreateOptions) (*Result, error) {
	root := filepath.Clean(filepath.FromSlash(path))
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("stat input path: %w", err)
	}

	info := metainfo.Info{PieceLength: opts.PieceLength}
	if info.PieceLength <= 0 {
		total, err := totalSize(root)
		if err != nil {
			return nil, err
		}
		info.PieceLength = metainfo.ChoosePieceLength(total)
	}
	if opts.Private {
		private := true
		info.Private = &private
	}
	if err := info.BuildFromFilePath(root); err != nil {
		return nil, fmt.Errorf("hash pieces: %w", err)
	}

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode info: %w", err)
	}

	createdBy := opts.CreatedBy
	if createdBy == "" {
		createdBy = DefaultCreatedBy
	}
	mi := metainfo.MetaInfo{
		InfoBytes:    infoBytes,
		Comment:      opts.Comment,
		CreatedBy:    createdBy,
		CreationDate: time.Now().Unix(),
		UrlList:      opts.WebSeeds,
	}
	trackers := cleanTrackers(opts.Trackers)
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
		for _, tr := range trackers {
			mi.AnnounceList = append(mi.AnnounceList, []string{tr})
		}
	}

	output := opts.Output
	if output == "" {
		output = DefaultOutput(root)
	}
	if err := write(&mi, output); err != nil {
		return nil, err
	}

	hash := mi.HashInfoBytes()
	magnet := metainfo.Magnet{
		InfoHash:    hash,
		DisplayName: info.BestName(),
		Trackers:    trackers,
	}
	return &Result{
		InfoHash:    hash.HexString(),
		Name:        info.BestName(),
		TotalSize:   info.TotalLength(),
		FileCount:   len(info.UpvertedFiles()),
		PieceLength: info.PieceLength,
		Output:      output,
		DataRoot:    DataRoot(root),
		Magnet:      magnet.String(),
		Trackers:    trackers,
	}, nil
}

// Load reads and decodes a descriptor file.
func Load(path string) (*metainfo.MetaInfo, *metainfo.Info, error) {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load torrent file: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, nil, fmt.Errorf("decode info dictionary: %w", err)
	}
	return mi, &info, nil
}

// Files lists the descriptor's files as they are laid out under the data root.
func Files(info *metainfo.Info) []File {
	upverted := info.UpvertedFiles()
	files := make([]File, 0, len(upverted))
	for _, fi := range upverted {
		rel := info.BestName()
		if info.IsDir() {
			rel = filepath.Join(append([]string{info.BestName()}, fi.BestPath()...)...)
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Size: fi.Length})
	}
	return files
}

// Trackers flattens the announce list of mi, falling back to Announce.
func Trackers(mi *metainfo.MetaInfo) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(tr string) {
		if tr == "" {
			return
		}
		if _, ok := seen[tr]; ok {
			return
		}
		seen[tr] = struct{}{}
		out = append(out, tr)
	}
	for _, tier := range mi.AnnounceList {
		for _, tr := range tier {
			add(tr)
		}
	}
	add(mi.Announce)
	return out
}

func write(mi *metainfo.MetaInfo, output string) error {
	if dir := filepath.Dir(output); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := mi.Write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write torrent file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close torrent file: %w", err)
	}
	return nil
}

func totalSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk input path: %w", err)
	}
	if total == 0 {
		return 0, errors.New("input path contains no data")
	}
	return total, nil
}

// PublicTrackers is a list of open trackers that create can append for
// descriptors meant for the public swarm.
func PublicTrackers() []string {
	return []string{
		"udp://tracker.opentrackr.org:1337/announce",
		"udp://tracker.openbittorrent.com:6969/announce",
		"udp://open.stealth.si:80/announce",
		"udp://exodus.desync.com:6969/announce",
		"http://tracker.opentrackr.org:1337/announce",
		"http://tracker.openbittorrent.com:80/announce",
		"udp://tracker.torrent.eu.org:451/announce",
		"udp://tracker.moeking.me:6969/announce",
	}
}

// cleanTrackers trims entries and drops blanks and repeats, keeping order.
func cleanTrackers(trackers []string) []string {
	out := make([]string, 0, len(trackers))
	seen := make(map[string]struct{}, len(trackers))
	for _, tr := range trackers {
		tr = strings.TrimSpace(tr)
		if tr == "" {
			continue
		}
		if _, ok := seen[tr]; ok {
			continue
		}
		seen[tr] = struct{}{}
		out = append(out, tr)
	}
	return out
}
