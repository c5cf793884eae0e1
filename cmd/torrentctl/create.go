package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/docopt/docopt-go"

	"torrentctl/internal/metafile"
)

func runCreate(opts docopt.Opts, out io.Writer) error {
	pieceLength, err := strconv.ParseInt(str(opts, "--piece-length"), 10, 64)
	if err != nil || pieceLength < 0 {
		return fmt.Errorf("invalid --piece-length %q", str(opts, "--piece-length"))
	}

	trackers := strs(opts, "--tracker")
	if flag(opts, "--public-trackers") {
		trackers = append(trackers, metafile.PublicTrackers()...)
	}

	res, err := metafile.Create(str(opts, "<path>"), metafile.CreateOptions{
		Output:      str(opts, "<output>"),
		Trackers:    trackers,
		WebSeeds:    strs(opts, "--web-seed"),
		Comment:     str(opts, "--comment"),
		PieceLength: pieceLength,
		Private:     flag(opts, "--private"),
	})
	if err != nil {
		return fmt.Errorf("create descriptor: %w", err)
	}

	fmt.Fprintf(out, "Info hash:  %s\n", res.InfoHash)
	fmt.Fprintf(out, "Name:       %s\n", res.Name)
	fmt.Fprintf(out, "Size:       %d bytes in %d file(s)\n", res.TotalSize, res.FileCount)
	fmt.Fprintf(out, "Pieces:     %d bytes each\n", res.PieceLength)
	fmt.Fprintf(out, "Trackers:   %d\n", len(res.Trackers))
	fmt.Fprintf(out, "Written to: %s\n", res.Output)
	fmt.Fprintf(out, "Seed with:  torrentctl seed %s %s\n", res.Output, res.DataRoot)
	fmt.Fprintf(out, "Magnet:     %s\n", res.Magnet)
	return nil
}
