package alloctbl

import (
	"context"
	"fmt"

	"github.com/google/btree"

	"github.com/jnwhiteh/extfs/common"
)

type number uint32

func (n number) Less(than btree.Item) bool {
	return n < than.(number)
}

// Indexed keeps every free block and inode in a btree so allocation does not
// have to scan bitmaps. The bitmaps stay authoritative: each allocation and
// free is also recorded there through the wrapped Bitmap.
type Indexed struct {
	*Bitmap
	blocks *btree.BTree
	inodes *btree.BTree
}

// LoadIndexed builds the free sets by reading every bitmap once.
func LoadIndexed(ctx context.Context, bm *Bitmap) (*Indexed, error) {
	idx := &Indexed{
		Bitmap: bm,
		blocks: btree.New(32),
		inodes: btree.New(32),
	}
	for g := range bm.groups {
		if err := idx.load(ctx, BMAP, g, idx.blocks); err != nil {
			return nil, err
		}
		if err := idx.load(ctx, IMAP, g, idx.inodes); err != nil {
			return nil, err
		}
	}
	bm.log.WithField("blocks", idx.blocks.Len()).WithField("inodes", idx.inodes.Len()).Debug("free index loaded")
	return idx, nil
}

func (idx *Indexed) load(ctx context.Context, which int, g int, tree *btree.BTree) error {
	e, err := idx.bc.Request(ctx, idx.mapBlock(which, g))
	if err != nil {
		return err
	}
	defer idx.bc.Release(e)
	data := e.Data()
	for bit := uint32(0); bit < idx.bitsIn(which, g); bit++ {
		if data[bit/8]&(1<<(bit%8)) == 0 {
			n := idx.fromBit(which, g, bit)
			if which == IMAP && n < idx.sb.FirstIno {
				continue
			}
			tree.ReplaceOrInsert(number(n))
		}
	}
	return nil
}

// take removes the first free number at or after hint, wrapping around.
func take(tree *btree.BTree, hint uint32) (uint32, bool) {
	var found btree.Item
	tree.AscendGreaterOrEqual(number(hint), func(i btree.Item) bool {
		found = i
		return false
	})
	if found == nil {
		found = tree.Min()
	}
	if found == nil {
		return 0, false
	}
	tree.Delete(found)
	return uint32(found.(number)), true
}

// claim sets the bit for n in its bitmap.
func (idx *Indexed) claim(ctx context.Context, which int, n uint32) error {
	g, bit, err := idx.toBit(which, n)
	if err != nil {
		return err
	}
	e, err := idx.bc.Request(ctx, idx.mapBlock(which, g))
	if err != nil {
		return err
	}
	defer idx.bc.Release(e)
	data := e.Data()
	if data[bit/8]&(1<<(bit%8)) != 0 {
		return fmt.Errorf("free index out of step: %s %d already in use: %w", kind(which), n, common.EIO)
	}
	data[bit/8] |= 1 << (bit % 8)
	idx.bc.MarkDirty(e)
	return idx.account(ctx, which, g, -1)
}

func (idx *Indexed) AllocBlock(ctx context.Context, hint uint32) (uint32, error) {
	idx.lock.Lock(ctx)
	defer idx.lock.Unlock()
	b, ok := take(idx.blocks, hint)
	if !ok {
		return 0, common.ENOSPC
	}
	if err := idx.claim(ctx, BMAP, b); err != nil {
		idx.blocks.ReplaceOrInsert(number(b))
		return 0, err
	}
	return b, nil
}

func (idx *Indexed) FreeBlock(ctx context.Context, b uint32) error {
	idx.lock.Lock(ctx)
	defer idx.lock.Unlock()
	if err := idx.free_bit(ctx, BMAP, b); err != nil {
		return err
	}
	idx.blocks.ReplaceOrInsert(number(b))
	return nil
}

func (idx *Indexed) AllocInode(ctx context.Context, dir bool) (uint32, error) {
	idx.lock.Lock(ctx)
	defer idx.lock.Unlock()
	ino, ok := take(idx.inodes, idx.sb.FirstIno)
	if !ok {
		return 0, common.ENOSPC
	}
	if err := idx.claim(ctx, IMAP, ino); err != nil {
		idx.inodes.ReplaceOrInsert(number(ino))
		return 0, err
	}
	if dir {
		g := int((ino - 1) / idx.sb.InodesPerGroup)
		idx.groups[g].UsedDirsCount++
		if err := idx.writeDesc(ctx, g); err != nil {
			return 0, err
		}
	}
	return ino, nil
}

func (idx *Indexed) FreeInode(ctx context.Context, ino uint32, dir bool) error {
	idx.lock.Lock(ctx)
	defer idx.lock.Unlock()
	if ino < idx.sb.FirstIno {
		return fmt.Errorf("freeing reserved inode %d: %w", ino, common.EINVAL)
	}
	if err := idx.free_bit(ctx, IMAP, ino); err != nil {
		return err
	}
	if dir {
		g := int((ino - 1) / idx.sb.InodesPerGroup)
		if idx.groups[g].UsedDirsCount > 0 {
			idx.groups[g].UsedDirsCount--
		}
		if err := idx.writeDesc(ctx, g); err != nil {
			return err
		}
	}
	idx.inodes.ReplaceOrInsert(number(ino))
	return nil
}

// Free returns the number of free blocks and inodes in the index.
func (idx *Indexed) Free(ctx context.Context) (blocks, inodes int) {
	idx.lock.Lock(ctx)
	defer idx.lock.Unlock()
	return idx.blocks.Len(), idx.inodes.Len()
}
