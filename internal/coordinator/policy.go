package coordinator

import (
	"os"
	"path/filepath"

	"torrentctl/internal/domain"
	"torrentctl/internal/engine"
)

// policy holds everything that differs between downloads and seeds.
type policy struct {
	seed           bool
	disposition    engine.Disposition
	createDataRoot bool
	checkContent   bool
}

var policies = map[domain.TaskKind]policy{
	domain.TaskKindDownload: {
		disposition:    engine.DropIncomplete,
		createDataRoot: true,
	},
	domain.TaskKindSeed: {
		seed:         true,
		disposition:  engine.DropAll,
		checkContent: true,
	},
}

func policyFor(kind domain.TaskKind) policy {
	return policies[kind]
}

func (c *coordinator) isLarge(desc *engine.Descriptor) bool {
	return desc.TotalSize > c.cfg.LargeObjectThreshold
}

// addOptions is the single place where kind and size turn into engine flags.
func (c *coordinator) addOptions(kind domain.TaskKind, desc *engine.Descriptor, contentPresent bool) engine.AddOptions {
	pol := policyFor(kind)
	opts := engine.AddOptions{
		Seed:           pol.seed,
		AutoManaged:    true,
		MaxConnections: c.cfg.DefaultConns,
		Trackers:       c.cfg.Trackers,
	}
	if !c.isLarge(desc) {
		return opts
	}
	if pol.seed {
		opts.SkipVerification = contentPresent
		return opts
	}
	opts.AutoManaged = false
	opts.MaxConnections = c.cfg.LargeObjectConns
	opts.MaxPriority = true
	opts.ForceResume = true
	return opts
}

// firstFilePresent reports whether the first file of desc exists under dataRoot.
func firstFilePresent(desc *engine.Descriptor, dataRoot string) (string, bool) {
	if len(desc.Files) == 0 {
		return "", false
	}
	path := filepath.Join(dataRoot, filepath.FromSlash(desc.Files[0].Path))
	_, err := os.Stat(path)
	return path, err == nil
}
