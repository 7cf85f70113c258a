package torrentkit

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/torrentkit/core/bitfield"
)

// sessionKeys mirrors the key space spec.md §6 names for session
// persistence: state, bitfield and partials live under one torrent's
// prefix; SessionStore.Keys(prefix) lets a restart discover every torrent
// that has a saved session.
func sessionKeys(infoHash [20]byte) (state, bits, partials string) {
	prefix := fmt.Sprintf("session:torrent:%x:", infoHash)
	return prefix + "state", prefix + "bitfield", prefix + "partials"
}

// SaveSession persists enough state to resume this torrent after a process
// restart: its user state, its on-disk piece bitfield, and the set of piece
// indices that were active (partial or full) at save time. In-flight block
// bytes are never written to disk before a piece completes, so a restored
// partial piece restarts empty rather than claiming blocks it cannot prove
// it still has (spec.md §7 SessionStoreCorrupt policy: prefer rehashing
// from scratch over trusting unverifiable state).
func (t *Torrent) SaveSession(store SessionStore) error {
	stateKey, bitsKey, partialsKey := sessionKeys(t.InfoHash)
	if err := store.Set(stateKey, []byte{byte(t.State)}); err != nil {
		return fmt.Errorf("%w: save state: %v", ErrSessionStoreCorrupt, err)
	}
	if err := store.Set(bitsKey, t.HaveBits.Bytes()); err != nil {
		return fmt.Errorf("%w: save bitfield: %v", ErrSessionStoreCorrupt, err)
	}
	if err := store.Set(partialsKey, encodePartialIndices(t.Manager.ActiveIndices())); err != nil {
		return fmt.Errorf("%w: save partials: %v", ErrSessionStoreCorrupt, err)
	}
	return nil
}

// RestoreSession loads a previously saved session, if any exists for this
// infohash. ok is false when there is nothing to restore (a fresh
// download); a malformed record is treated per ErrSessionStoreCorrupt and
// the torrent is left at its fresh-start defaults rather than partially
// applied.
func (t *Torrent) RestoreSession(store SessionStore, now time.Time) (ok bool, err error) {
	stateKey, bitsKey, partialsKey := sessionKeys(t.InfoHash)
	stateBytes, found, err := store.Get(stateKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSessionStoreCorrupt, err)
	}
	if !found {
		return false, nil
	}
	if len(stateBytes) != 1 {
		return false, fmt.Errorf("%w: state record has length %d, want 1", ErrSessionStoreCorrupt, len(stateBytes))
	}

	bitsBytes, found, err := store.Get(bitsKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSessionStoreCorrupt, err)
	}
	if !found {
		return false, fmt.Errorf("%w: state present without bitfield", ErrSessionStoreCorrupt)
	}
	haveBits, err := bitfield.FromBytes(bitsBytes, len(t.Pieces))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSessionStoreCorrupt, err)
	}

	partialBytes, found, err := store.Get(partialsKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSessionStoreCorrupt, err)
	}
	var partials []int
	if found {
		partials, err = decodePartialIndices(partialBytes, len(t.Pieces))
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrSessionStoreCorrupt, err)
		}
	}

	t.State = UserState(stateBytes[0])
	t.HaveBits = haveBits
	t.availability = make([]int, len(t.Pieces))
	for _, index := range partials {
		if !t.HaveBits.Get(index) {
			t.Manager.GetOrCreate(index, now)
		}
	}
	return true, nil
}

// ActiveIndices returns every piece index currently in the partial or full
// maps, for session persistence.
func (m *ActivePieceManager) ActiveIndices() []int {
	out := make([]int, 0, len(m.partial)+len(m.full))
	for index := range m.partial {
		out = append(out, index)
	}
	for index := range m.full {
		out = append(out, index)
	}
	return out
}

func encodePartialIndices(indices []int) []byte {
	out := make([]byte, 4*len(indices))
	for i, index := range indices {
		binary.BigEndian.PutUint32(out[i*4:], uint32(index))
	}
	return out
}

func decodePartialIndices(b []byte, numPieces int) ([]int, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("partials record has length %d, not a multiple of 4", len(b))
	}
	out := make([]int, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		index := int(binary.BigEndian.Uint32(b[i:]))
		if index < 0 || index >= numPieces {
			return nil, fmt.Errorf("partial piece index %d out of range [0,%d)", index, numPieces)
		}
		out = append(out, index)
	}
	return out, nil
}
