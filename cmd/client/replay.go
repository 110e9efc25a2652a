package main

import (
	"encoding/json"
	"fmt"

	"tonempire.game/internal/persistence/journal"
	"tonempire.game/internal/protocol"
	"tonempire.game/internal/store"
	"tonempire.game/internal/transport/push"
)

type replayResult struct {
	Files    int
	Pushes   int
	Resyncs  int
	Matching int // resyncs whose recorded digest matched the replayed store
	Snapshot store.Snapshot
	Digest   string
}

// replayJournal rebuilds the authoritative mirror from a journal: resync snapshots and
// push frames in recorded order. Mutation entries are skipped since they only describe
// optimistic state.
func replayJournal(dir string) (replayResult, error) {
	var res replayResult
	files, err := journal.Files(dir)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		return res, fmt.Errorf("no journal files in %s", dir)
	}
	st := store.New(nil)
	for _, f := range files {
		entries, err := journal.ReadFile(f)
		if err != nil {
			return res, err
		}
		res.Files++
		for _, e := range entries {
			switch e.Kind {
			case journal.KindResync:
				var snap journal.Snapshot
				if err := json.Unmarshal(e.Payload, &snap); err != nil {
					return res, fmt.Errorf("%s: resync payload: %w", f, err)
				}
				st.Apply(store.Authoritative(store.LoadSnapshot{District: snap.District, Buildings: snap.Buildings}), e.Version)
				res.Resyncs++
				if e.Digest != "" && e.Digest == st.Digest() {
					res.Matching++
				}
			case journal.KindPush:
				p, ok, err := push.PatchFor(protocol.Envelope{Type: e.Type, Version: e.Version, Payload: e.Payload})
				if err != nil || !ok {
					continue
				}
				st.Apply(p, e.Version)
				res.Pushes++
			}
		}
	}
	res.Snapshot = st.Snapshot()
	res.Digest = st.Digest()
	return res, nil
}
