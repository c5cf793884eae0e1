package coordinator

import (
	"fmt"
	"io"

	"torrentctl/internal/domain"
)

// WriteStatus writes a text dump of every live task.
func (c *coordinator) WriteStatus(w io.Writer) error {
	statuses := c.QueryAll()
	counts := c.Counts()
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(w, "no active tasks")
		return err
	}
	if _, err := fmt.Fprintf(w, "=== tasks (total: %d, download: %d, seed: %d) ===\n\n",
		counts.Total, counts.Download, counts.Seed); err != nil {
		return err
	}
	for i, st := range statuses {
		if _, err := fmt.Fprintf(w, "--- task #%d ---\n", i+1); err != nil {
			return err
		}
		if err := writeSnapshot(w, st); err != nil {
			return err
		}
	}
	return nil
}

// WriteTaskStatus writes the dump of one task, or ErrNotFound when it is not
// live.
func (c *coordinator) WriteTaskStatus(w io.Writer, id string) error {
	st := c.Query(id)
	if !st.Valid {
		return fmt.Errorf("status %s: %w", id, ErrNotFound)
	}
	return writeSnapshot(w, st)
}

// FormatStatus renders one snapshot the way WriteTaskStatus does.
func FormatStatus(w io.Writer, st domain.TaskStatus) error {
	return writeSnapshot(w, st)
}

func writeSnapshot(w io.Writer, st domain.TaskStatus) error {
	_, err := fmt.Fprintf(w,
		"Info Hash:  %s\n"+
			"Kind:       %s\n"+
			"Torrent:    %s\n"+
			"Data Root:  %s\n"+
			"State:      %s\n"+
			"Progress:   %s\n"+
			"Completed:  %s / %s\n"+
			"Peers:      %d\n"+
			"Uploaded:   %s\n"+
			"Up Rate:    %s\n"+
			"Down Rate:  %s\n"+
			"Paused:     %s\n"+
			"Finished:   %s\n\n",
		st.InfoHash,
		st.Kind,
		st.DescriptorPath,
		st.DataRoot,
		st.State.Label(),
		formatPercent(st.Progress),
		domain.FormatBytes(st.DownloadedBytes), domain.FormatBytes(st.TotalSize),
		st.PeerCount,
		domain.FormatBytes(st.UploadedBytes),
		formatSpeed(st.UploadRate),
		formatSpeed(st.DownloadRate),
		yesNo(st.Paused),
		yesNo(st.Finished),
	)
	return err
}
