package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"PredictLedger/internal/event"
	"PredictLedger/internal/ledger"
)

const GenesisHashSeed = "PredictLedger:genesis:v1"

// StateHasher computes the hash chain over emitted outcome records.
// Not thread-safe; the engine calls it under its emit lock.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// NewStateHasherFrom resumes a chain whose tip is prev.
func NewStateHasherFrom(prev [32]byte) *StateHasher {
	return &StateHasher{prevHash: prev}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// StateDigest builds the canonical bytes hashed for one record: event type,
// market id, payload and the journals it produced in account order.
func StateDigest(env *event.EventEnvelope, batch *ledger.Batch) []byte {
	buf := make([]byte, 0, 64+len(env.Payload))

	var u64 [8]byte
	binary.LittleEndian.PutUint32(u64[:4], uint32(env.EventType))
	buf = append(buf, u64[:4]...)
	binary.LittleEndian.PutUint64(u64[:], uint64(env.MarketID))
	buf = append(buf, u64[:]...)
	buf = append(buf, env.Payload...)

	if batch == nil {
		return buf
	}

	journals := make([]ledger.Journal, len(batch.Journals))
	copy(journals, batch.Journals)
	sort.Slice(journals, func(i, j int) bool {
		a, b := journals[i], journals[j]
		if a.DebitAccount.AccountPath() != b.DebitAccount.AccountPath() {
			return a.DebitAccount.AccountPath() < b.DebitAccount.AccountPath()
		}
		return a.CreditAccount.AccountPath() < b.CreditAccount.AccountPath()
	})
	for _, j := range journals {
		buf = append(buf, j.DebitAccount.AccountPath()...)
		buf = append(buf, j.CreditAccount.AccountPath()...)
		binary.LittleEndian.PutUint64(u64[:], uint64(j.Amount))
		buf = append(buf, u64[:]...)
	}
	return buf
}
