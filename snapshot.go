package mergetree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ulikunitz/xz"
)

// SnapshotFormatVersion is bumped on incompatible snapshot layout changes.
const SnapshotFormatVersion = 1

// DefaultSnapshotChunkSegments is how many segment records go into one
// chunk before compression.
const DefaultSnapshotChunkSegments = 1024

// SnapshotHeader describes a stored snapshot: the sequence window it was
// taken at and the chunk layout needed to read it back.
type SnapshotHeader struct {
	Version      int       `json:"version"`
	Seq          int       `json:"seq"`
	MinSeq       int       `json:"minSeq"`
	SegmentCount int       `json:"segmentCount"`
	ChunkCount   int       `json:"chunkCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// segmentRecord is one segment's durable form. Pending provenance is never
// snapshotted; a snapshot holds only sequenced state.
type segmentRecord struct {
	Text             string      `json:"text,omitempty"`
	Marker           *MarkerSpec `json:"marker,omitempty"`
	Seq              int         `json:"seq"`
	ClientID         int         `json:"clientId"`
	RemovedSeq       int         `json:"removedSeq"`
	RemovedClientIDs []int       `json:"removedClientIds,omitempty"`
	Props            PropertySet `json:"props,omitempty"`
}

func headerKey(prefix string) string { return prefix + "/header" }

func chunkKey(prefix string, i int) string { return fmt.Sprintf("%s/chunk-%06d", prefix, i) }

// WriteSnapshot persists the tree's sequenced state under the given key
// prefix: a JSON header chunk plus xz-compressed chunks of segment records
// in document order. Pending local edits are excluded; callers snapshot
// from a client with no pending ops or accept their loss.
func WriteSnapshot(t *MergeTree, store ChunkStore, prefix string) (*SnapshotHeader, error) {
	var records []segmentRecord
	t.walkAll(func(seg Segment) bool {
		sb := seg.base()
		if sb.seq == SeqUnassigned && sb.clientID != NoClientID {
			return true
		}
		rec := segmentRecord{
			Seq:        sb.seq,
			ClientID:   sb.clientID,
			RemovedSeq: sb.removedSeq,
			Props:      seg.Properties().Clone(),
		}
		// A removal still pending is local state, not sequenced state.
		if sb.removedSeq != SeqUnassigned {
			rec.RemovedClientIDs = append([]int(nil), sb.removedClientIDs...)
		}
		switch s := seg.(type) {
		case *TextSegment:
			rec.Text = s.Text()
		case *Marker:
			rec.Marker = &MarkerSpec{RefType: s.RefType()}
		}
		records = append(records, rec)
		return true
	})

	header := &SnapshotHeader{
		Version:      SnapshotFormatVersion,
		Seq:          t.window.CurrentSeq(),
		MinSeq:       t.window.MinSeq(),
		SegmentCount: len(records),
		CreatedAt:    time.Now().UTC(),
	}

	for i := 0; i*DefaultSnapshotChunkSegments < len(records) || (i == 0 && len(records) == 0); i++ {
		lo := i * DefaultSnapshotChunkSegments
		hi := lo + DefaultSnapshotChunkSegments
		if hi > len(records) {
			hi = len(records)
		}
		data, err := encodeChunk(records[lo:hi])
		if err != nil {
			return nil, err
		}
		if err := store.Put(chunkKey(prefix, i), data); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", i, err)
		}
		header.ChunkCount++
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if err := store.Put(headerKey(prefix), hdr); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return header, nil
}

func encodeChunk(records []segmentRecord) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if err := json.NewEncoder(w).Encode(records); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeChunk(data []byte) ([]segmentRecord, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	var records []segmentRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	return records, nil
}

// LoadSnapshot reads a snapshot back into a fresh tree, rebuilding a
// balanced block structure over the stored segment order. The returned
// tree is not yet collaborating; callers start collaboration at the
// header's sequence window and catch up from there.
func LoadSnapshot(store ChunkStore, prefix string) (*MergeTree, *SnapshotHeader, error) {
	hdr, err := store.Get(headerKey(prefix))
	if err != nil {
		return nil, nil, err
	}
	var header SnapshotHeader
	if err := json.Unmarshal(hdr, &header); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrSnapshotCorrupt, err)
	}
	if header.Version != SnapshotFormatVersion {
		return nil, nil, fmt.Errorf("%w: version %d", ErrSnapshotCorrupt, header.Version)
	}

	var segs []Segment
	for i := 0; i < header.ChunkCount; i++ {
		data, err := store.Get(chunkKey(prefix, i))
		if err != nil {
			return nil, nil, err
		}
		records, err := decodeChunk(data)
		if err != nil {
			return nil, nil, err
		}
		for _, rec := range records {
			seg, err := rec.segment()
			if err != nil {
				return nil, nil, err
			}
			segs = append(segs, seg)
		}
	}
	if len(segs) != header.SegmentCount {
		return nil, nil, fmt.Errorf("%w: %d segments, header says %d", ErrSnapshotCorrupt, len(segs), header.SegmentCount)
	}

	t := NewMergeTree()
	t.root = buildBalanced(segs)
	t.root.assignSubtreeOrdinals()
	return t, &header, nil
}

func (rec *segmentRecord) segment() (Segment, error) {
	var seg Segment
	switch {
	case rec.Marker != nil:
		seg = NewMarker(rec.Marker.RefType)
	case rec.Text != "":
		seg = NewTextSegment(rec.Text)
	default:
		return nil, fmt.Errorf("%w: segment record with no content", ErrSnapshotCorrupt)
	}
	sb := seg.base()
	sb.seq = rec.Seq
	sb.clientID = rec.ClientID
	sb.removedSeq = rec.RemovedSeq
	sb.removedClientIDs = append([]int(nil), rec.RemovedClientIDs...)
	if len(rec.Props) > 0 {
		sb.propsMgr.AddProperties(rec.Props, CombineNone, rec.Seq)
	}
	return seg, nil
}

// buildBalanced packs segments into full-fanout blocks bottom-up.
func buildBalanced(segs []Segment) *MergeBlock {
	nodes := make([]node, len(segs))
	for i, s := range segs {
		nodes[i] = s
	}
	for len(nodes) > MaxBlockChildren {
		next := make([]node, 0, (len(nodes)+MaxBlockChildren-1)/MaxBlockChildren)
		for lo := 0; lo < len(nodes); lo += MaxBlockChildren {
			hi := lo + MaxBlockChildren
			if hi > len(nodes) {
				hi = len(nodes)
			}
			b := &MergeBlock{children: append([]node(nil), nodes[lo:hi]...)}
			for _, c := range b.children {
				c.setParentBlock(b)
			}
			next = append(next, b)
		}
		nodes = next
	}
	root := &MergeBlock{children: nodes}
	for _, c := range root.children {
		c.setParentBlock(root)
	}
	return root
}
