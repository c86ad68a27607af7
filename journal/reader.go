package journal

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/INLOpen/tierfs/core"
)

// tailState records where a torn final record begins so Recover can cut it.
type tailState struct {
	torn     bool
	path     string
	firstSeq uint64
	offset   int64
}

// Replay returns the entries with a sequence number >= from in order. The
// sequence is lazy and restartable: every iteration re-reads the segments
// from disk, so it can be walked again after a partial read.
//
// Replay is strict. A checksum mismatch, an undecodable record, an unknown
// entry type or a gap in the sequence numbers yields a *core.CorruptionError
// and ends the sequence. A record cut short at the end of the last segment
// was never acknowledged to anyone and ends the sequence cleanly.
func (j *Journal) Replay(from uint64) iter.Seq2[Entry, error] {
	return j.replay(from, false, nil)
}

// ReplayBestEffort is Replay for inspection tools and degraded startups: it
// skips entry types it does not know and stops at the first corrupt record
// with a warning instead of an error.
func (j *Journal) ReplayBestEffort(from uint64) iter.Seq2[Entry, error] {
	return j.replay(from, true, nil)
}

func (j *Journal) replay(from uint64, bestEffort bool, tail *tailState) iter.Seq2[Entry, error] {
	if from == 0 {
		from = 1
	}
	return func(yield func(Entry, error) bool) {
		j.mu.Lock()
		segments := slices.Clone(j.segments)
		j.mu.Unlock()

		// fail reports corruption: as an error in strict mode, as a warning
		// that ends the replay in best-effort mode.
		fail := func(path string, seq uint64, err error) {
			if bestEffort {
				j.logger.Warn("Best-effort replay stopped at corrupt journal data", "path", path, "seq_num", seq, "error", err)
				return
			}
			yield(Entry{}, &core.CorruptionError{Path: path, SeqNum: seq, Err: err})
		}

		var expectedNext uint64 // 0 until the first segment has been opened
		for i, first := range segments {
			isLast := i == len(segments)-1
			path := j.SegmentPath(first)

			if expectedNext == 0 && first > from {
				fail(path, from, fmt.Errorf("journal starts at %d, entries from %d are missing", first, from))
				return
			}
			if expectedNext != 0 && first != expectedNext && (first < expectedNext || first > from) {
				fail(path, expectedNext, fmt.Errorf("segment starts at %d, expected %d", first, expectedNext))
				return
			}

			sr, err := openSegmentForRead(path)
			if err != nil {
				if isLast && errors.Is(err, errTornRecord) {
					j.markTorn(tail, path, first, 0)
					return
				}
				fail(path, first, err)
				return
			}

			expected := first
			for {
				data, err := sr.readRecord()
				if err == io.EOF {
					break
				}
				if err != nil {
					if isLast && errors.Is(err, errTornRecord) {
						j.markTorn(tail, path, first, sr.offset)
						sr.Close()
						return
					}
					sr.Close()
					fail(path, expected, err)
					return
				}

				e, decErr := DecodeEntry(data)
				if decErr != nil && !(bestEffort && errors.Is(decErr, core.ErrUnknownEntryType)) {
					sr.Close()
					fail(path, expected, decErr)
					return
				}
				if e.SeqNum != expected {
					sr.Close()
					fail(path, expected, fmt.Errorf("found seq %d, expected %d", e.SeqNum, expected))
					return
				}
				expected++
				if decErr != nil {
					j.logger.Warn("Skipping journal entry of unknown type", "path", path, "seq_num", e.SeqNum, "error", decErr)
					continue
				}
				if e.SeqNum < from {
					continue
				}
				if !yield(e, nil) {
					sr.Close()
					return
				}
			}
			sr.Close()
			expectedNext = expected
		}
	}
}

func (j *Journal) markTorn(tail *tailState, path string, firstSeq uint64, offset int64) {
	j.logger.Warn("Journal ends with a torn record", "path", path, "offset", offset)
	if tail == nil {
		return
	}
	tail.torn = true
	tail.path = path
	tail.firstSeq = firstSeq
	tail.offset = offset
}
