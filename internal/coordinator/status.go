package coordinator

import (
	"torrentctl/internal/domain"
	"torrentctl/internal/engine"
)

// invalidStatus is returned for unknown tasks and for tasks whose engine
// handle is gone.
func invalidStatus(id string) domain.TaskStatus {
	return domain.TaskStatus{InfoHash: id}
}

// project turns a record and a live engine read into a snapshot. A failed read
// yields the invalid snapshot.
func project(rec *record, st engine.Status, err error) domain.TaskStatus {
	if err != nil {
		return invalidStatus(rec.id)
	}
	return domain.TaskStatus{
		InfoHash:        rec.id,
		Kind:            rec.kind,
		DescriptorPath:  rec.descriptorPath,
		DataRoot:        rec.dataRoot,
		Valid:           true,
		State:           st.State,
		Progress:        progress(st.TotalWantedDone, st.TotalWanted),
		TotalSize:       st.TotalWanted,
		DownloadedBytes: st.TotalWantedDone,
		UploadedBytes:   st.TotalUpload,
		DownloadRate:    st.DownloadRate,
		UploadRate:      st.UploadRate,
		PeerCount:       st.NumPeers,
		Paused:          st.Paused,
		Finished:        st.State == domain.StateSeeding || st.State == domain.StateFinished,
	}
}

func progress(done, total int64) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 1
	}
	return float64(done) / float64(total)
}
