package buffer

import (
	"encoding/binary"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
)

// mappingScanConcurrency bounds how many mapping-table blocks are
// decrypted concurrently during a scan (Open) or rewritten concurrently
// during a flush (writeMappingTables). Both are CPU-bound (AES) work
// fanned out over otherwise-independent blocks, with the disk's own
// mutex serializing the actual slot I/O.
const mappingScanConcurrency = 8

// entriesPerMappingBlock returns how many packed 4-byte entries fit in one
// logical block of a mapping table.
const entriesPerMappingBlock = dardefs.EntriesPerMappingBlock

// readMappingBlock decrypts mapping table block index blk (0..M-1) for
// aspect and returns its packed uint32 entries.
func (b *Buffer) readMappingBlock(m, blk uint32, aspect dardefs.Aspect) ([]uint32, error) {
	slot := blk
	if aspect == dardefs.Hidden {
		slot = m + blk
	}
	raw, err := b.disk.ReadSlot(slot, aspect)
	if err != nil {
		return nil, xerrors.Errorf("buffer: readMappingBlock: %w", err)
	}
	entries := make([]uint32, entriesPerMappingBlock)
	for i := range entries {
		entries[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	return entries, nil
}

// writeMappingBlock encrypts and writes a full mapping table block.
func (b *Buffer) writeMappingBlock(m, blk uint32, aspect dardefs.Aspect, entries []uint32) error {
	slot := blk
	if aspect == dardefs.Hidden {
		slot = m + blk
	}
	plain := make([]byte, dardefs.LogicalBlockSize)
	for i, v := range entries {
		binary.LittleEndian.PutUint32(plain[i*4:i*4+4], v)
	}
	if err := b.disk.WriteSlot(slot, aspect, plain); err != nil {
		return xerrors.Errorf("buffer: writeMappingBlock: %w", err)
	}
	return nil
}

// scannedBlock holds one mapping-table block pair's decrypted entries,
// read by a scanMappingTables worker for later sequential application.
type scannedBlock struct {
	blk           uint32
	coverEntries  []uint32
	hiddenEntries []uint32
}

// scanMappingTables reconstructs block_mapping, the reverse mapping, the
// virtual list, and the per-aspect id counters by reading every entry of
// both on-disk mapping tables (spec §3/§6: mapping table entries are
// indexed by physical data-slot position, one entry per aspect per data
// slot).
//
// Decrypting each block pair is independent CPU-bound work, so the reads
// are fanned out across mappingScanConcurrency workers; only the
// resulting in-memory state update, which must see every entry exactly
// once, runs single-threaded afterwards.
func (b *Buffer) scanMappingTables(m uint32) error {
	total := b.disk.TotalSlots()
	dataSlots := total - 2*m
	numBlocks := (dataSlots + entriesPerMappingBlock - 1) / entriesPerMappingBlock

	blocks := make([]scannedBlock, numBlocks)
	g := new(errgroup.Group)
	g.SetLimit(mappingScanConcurrency)
	for blk := uint32(0); blk < numBlocks; blk++ {
		blk := blk
		g.Go(func() error {
			coverEntries, err := b.readMappingBlock(m, blk, dardefs.Cover)
			if err != nil {
				return err
			}
			hiddenEntries, err := b.readMappingBlock(m, blk, dardefs.Hidden)
			if err != nil {
				return err
			}
			blocks[blk] = scannedBlock{blk: blk, coverEntries: coverEntries, hiddenEntries: hiddenEntries}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, block := range blocks {
		base := block.blk * entriesPerMappingBlock
		limit := entriesPerMappingBlock
		if base+uint32(limit) > dataSlots {
			limit = int(dataSlots - base)
		}
		for off := 0; off < limit; off++ {
			pos := base + uint32(off)
			coverVal := block.coverEntries[off]
			hiddenVal := block.hiddenEntries[off]
			slot := 2*m + pos

			switch {
			case coverVal == dardefs.NoBlockAssigned && hiddenVal == dardefs.NoBlockAssigned:
				// unallocated; left for the caller's post-scan sweep.
			case coverVal == dardefs.Virtual && hiddenVal == dardefs.NoBlockAssigned:
				b.virtual = append(b.virtual, slot)
			case coverVal == dardefs.Virtual:
				key := dardefs.BlockKey{Aspect: dardefs.Hidden, ID: hiddenVal}
				b.mapping[key] = &mappingInfo{physicalSlot: slot, cacheIndex: -1}
				b.reverseMapping[slot] = key
				b.hiddenAllocated++
				if hiddenVal+1 > b.maxHiddenID {
					b.maxHiddenID = hiddenVal + 1
				}
			default:
				key := dardefs.BlockKey{Aspect: dardefs.Cover, ID: coverVal}
				b.mapping[key] = &mappingInfo{physicalSlot: slot, cacheIndex: -1}
				b.reverseMapping[slot] = key
				b.coverAllocated++
				if coverVal+1 > b.maxCoverID {
					b.maxCoverID = coverVal + 1
				}
			}
		}
	}
	return nil
}

// wipeMappingTables formats both mapping tables to all-unassigned, for a
// freshly created (or explicitly reinitialized) filesystem.
func (b *Buffer) wipeMappingTables(m uint32) error {
	blank := make([]uint32, entriesPerMappingBlock)
	for i := range blank {
		blank[i] = dardefs.NoBlockAssigned
	}
	for blk := uint32(0); blk < m; blk++ {
		if err := b.writeMappingBlock(m, blk, dardefs.Cover, blank); err != nil {
			return err
		}
		if err := b.writeMappingBlock(m, blk, dardefs.Hidden, blank); err != nil {
			return err
		}
	}
	return nil
}

// writeMappingTables rewrites every mapping block of both tables in full
// from the current in-memory state (flush step 5): every block is
// always rewritten, even when unchanged, so that no observer can tell
// which logical ids moved this flush. That includes any trailing
// mapping blocks past the last one addressing a data slot: m is the
// true block count per table (matching wipeMappingTables), not a count
// re-derived from dataSlots, since ComputeM can pick an m larger than
// ceil(dataSlots/entriesPerMappingBlock) strictly needs.
//
// Each block pair's plaintext is independent of every other's, so
// encrypting and writing them is fanned out across
// mappingScanConcurrency workers; the snapshot of reverseMapping/virtual
// they all read from is taken once, up front, under b.mu.
func (b *Buffer) writeMappingTables(m uint32) error {
	dataSlots := b.disk.TotalSlots() - 2*m

	b.mu.Lock()
	reverseSnapshot := make(map[uint32]dardefs.BlockKey, len(b.reverseMapping))
	for slot, key := range b.reverseMapping {
		reverseSnapshot[slot] = key
	}
	virtualSet := make(map[uint32]bool, len(b.virtual))
	for _, s := range b.virtual {
		virtualSet[s] = true
	}
	b.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(mappingScanConcurrency)
	for blk := uint32(0); blk < m; blk++ {
		blk := blk
		g.Go(func() error {
			return b.writeMappingBlockPair(m, blk, dataSlots, reverseSnapshot, virtualSet)
		})
	}
	return g.Wait()
}

// writeMappingBlockPair builds and writes the cover and hidden mapping
// blocks at index blk from a fixed snapshot of the current state.
func (b *Buffer) writeMappingBlockPair(m, blk, dataSlots uint32, reverseSnapshot map[uint32]dardefs.BlockKey, virtualSet map[uint32]bool) error {
	coverEntries := make([]uint32, entriesPerMappingBlock)
	hiddenEntries := make([]uint32, entriesPerMappingBlock)
	for i := range coverEntries {
		coverEntries[i] = dardefs.NoBlockAssigned
		hiddenEntries[i] = dardefs.NoBlockAssigned
	}
	base := blk * entriesPerMappingBlock
	limit := entriesPerMappingBlock
	switch {
	case base >= dataSlots:
		// Trailing mapping block past the last real data slot: m can
		// exceed ceil(dataSlots/entriesPerMappingBlock), so this block
		// addresses no slot at all and is written all-unassigned.
		limit = 0
	case base+uint32(limit) > dataSlots:
		limit = int(dataSlots - base)
	}
	for off := 0; off < limit; off++ {
		pos := base + uint32(off)
		slot := 2*m + pos
		if key, ok := reverseSnapshot[slot]; ok {
			if key.Aspect == dardefs.Cover {
				coverEntries[off] = key.ID
			} else {
				coverEntries[off] = dardefs.Virtual
				hiddenEntries[off] = key.ID
			}
		} else if virtualSet[slot] {
			coverEntries[off] = dardefs.Virtual
		}
	}
	if err := b.writeMappingBlock(m, blk, dardefs.Cover, coverEntries); err != nil {
		return err
	}
	if err := b.writeMappingBlock(m, blk, dardefs.Hidden, hiddenEntries); err != nil {
		return err
	}
	return nil
}
