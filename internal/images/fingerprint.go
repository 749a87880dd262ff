package images

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"sync"

	// Decoders registered for image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	_ "golang.org/x/image/webp"
)

// Fingerprint is the perceptual identity of a decoded image.
type Fingerprint struct {
	Hash   uint64
	Width  int
	Height int
	Format string
}

// ComputeFingerprint decodes data and computes its 64-bit difference hash.
func ComputeFingerprint(data []byte) (Fingerprint, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to decode image: %w", err)
	}
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to hash image: %w", err)
	}
	b := img.Bounds()
	return Fingerprint{
		Hash:   hash.GetHash(),
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: format,
	}, nil
}

// Distance is the Hamming distance between two difference hashes.
func Distance(a, b uint64) int {
	d, err := goimagehash.NewImageHash(a, goimagehash.DHash).Distance(goimagehash.NewImageHash(b, goimagehash.DHash))
	if err != nil {
		// both hashes share a kind, so this cannot happen
		return 64
	}
	return d
}

func contentSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type indexEntry struct {
	id   uint
	hash uint64
}

// Index holds the fingerprints of all stored images. Lookups share a read
// lock; additions take the write lock.
type Index struct {
	mu      sync.RWMutex
	entries []indexEntry
}

func NewIndex() *Index {
	return &Index{}
}

func (i *Index) Add(id uint, hash uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries = append(i.entries, indexEntry{id: id, hash: hash})
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// Nearest returns the stored image closest to hash, or false when the
// index is empty.
func (i *Index) Nearest(hash uint64) (uint, int, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	best, bestDist, found := uint(0), 65, false
	for _, e := range i.entries {
		if d := Distance(hash, e.hash); d < bestDist {
			best, bestDist, found = e.id, d, true
		}
	}
	return best, bestDist, found
}
