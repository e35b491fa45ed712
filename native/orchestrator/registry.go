package orchestrator

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"incentives/native/rank"
	"incentives/native/rewards"
	"incentives/native/zone"
	"incentives/storage"
)

var contributionPrefix = []byte("orchestrator/contribution/")

type shareRecord struct {
	Ancestor common.Address
	Level    uint32
	Bps      uint32
	Amount   *big.Int
}

type record struct {
	State         uint8
	Participant   common.Address
	Zone          string
	Amount        *big.Int
	Nonce         uint64
	Tier          uint8
	Rank          uint8
	Level         *big.Int
	Sharing       *big.Int
	Ranking       *big.Int
	Shares        []shareRecord
	TablesVersion uint64
	UpdatedAt     uint64
}

func newRecord(c Contribution, state State, tier uint8, r rank.Rank, breakdown rewards.Breakdown, now time.Time) *record {
	rec := &record{
		State:         uint8(state),
		Participant:   c.Participant,
		Zone:          string(c.Zone),
		Amount:        cloneBig(c.Amount),
		Nonce:         c.Nonce,
		Tier:          tier,
		Rank:          uint8(r),
		Level:         cloneBig(breakdown.Level),
		Sharing:       cloneBig(breakdown.Sharing),
		Ranking:       cloneBig(breakdown.Ranking),
		TablesVersion: breakdown.TablesVersion,
		UpdatedAt:     uint64(now.Unix()),
	}
	for _, share := range breakdown.LevelShares {
		rec.Shares = append(rec.Shares, shareRecord{
			Ancestor: share.Ancestor,
			Level:    share.Level,
			Bps:      share.Bps,
			Amount:   cloneBig(share.Amount),
		})
	}
	return rec
}

func (r *record) result(id common.Hash) *Result {
	breakdown := rewards.Breakdown{
		Level:         cloneBig(r.Level),
		Sharing:       cloneBig(r.Sharing),
		Ranking:       cloneBig(r.Ranking),
		LevelShares:   make([]rewards.LevelShare, 0, len(r.Shares)),
		TablesVersion: r.TablesVersion,
	}
	for _, share := range r.Shares {
		breakdown.LevelShares = append(breakdown.LevelShares, rewards.LevelShare{
			Ancestor: share.Ancestor,
			Level:    share.Level,
			Bps:      share.Bps,
			Amount:   cloneBig(share.Amount),
		})
	}
	credited := big.NewInt(0)
	if State(r.State) == StateCompleted {
		credited = breakdown.Total()
	}
	return &Result{
		ContributionID: id,
		Participant:    r.Participant,
		Zone:           zone.Zone(r.Zone),
		Amount:         cloneBig(r.Amount),
		Tier:           r.Tier,
		Rank:           rank.Rank(r.Rank),
		Breakdown:      breakdown,
		Credited:       credited,
		State:          State(r.State),
		ProcessedAt:    time.Unix(int64(r.UpdatedAt), 0).UTC(),
	}
}

// registry persists contribution records so idempotency survives restarts.
// Records whose latest state could not be written are held in memory and
// shadow the stored copy until a later write succeeds.
type registry struct {
	db   storage.Database
	held map[common.Hash]*record
}

func contributionKey(id common.Hash) []byte {
	key := make([]byte, 0, len(contributionPrefix)+common.HashLength)
	key = append(key, contributionPrefix...)
	return append(key, id.Bytes()...)
}

func (r *registry) get(id common.Hash) (*record, bool, error) {
	if rec, ok := r.held[id]; ok {
		return rec, true, nil
	}
	raw, err := r.db.Get(contributionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: load %s: %w", id.Hex(), err)
	}
	rec := new(record)
	if err := rlp.DecodeBytes(raw, rec); err != nil {
		return nil, false, fmt.Errorf("orchestrator: decode %s: %w", id.Hex(), err)
	}
	return rec, true, nil
}

func (r *registry) put(id common.Hash, rec *record) error {
	encoded, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return fmt.Errorf("orchestrator: encode %s: %w", id.Hex(), err)
	}
	if err := r.db.Put(contributionKey(id), encoded); err != nil {
		return err
	}
	delete(r.held, id)
	return nil
}

// hold keeps rec as the authoritative state of id for this process after a
// failed write.
func (r *registry) hold(id common.Hash, rec *record) {
	if r.held == nil {
		r.held = make(map[common.Hash]*record)
	}
	r.held[id] = rec
}

func (r *registry) delete(id common.Hash) error {
	delete(r.held, id)
	return r.db.Delete(contributionKey(id))
}

func (r *registry) each(fn func(id common.Hash, rec *record) bool) error {
	var decodeErr error
	stopped := false
	err := r.db.Iterate(contributionPrefix, func(key, value []byte) bool {
		id := common.BytesToHash(key[len(contributionPrefix):])
		if _, ok := r.held[id]; ok {
			return true
		}
		rec := new(record)
		if err := rlp.DecodeBytes(value, rec); err != nil {
			decodeErr = fmt.Errorf("orchestrator: decode %s: %w", id.Hex(), err)
			return false
		}
		if !fn(id, rec) {
			stopped = true
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if decodeErr != nil || stopped {
		return decodeErr
	}
	for id, rec := range r.held {
		if !fn(id, rec) {
			break
		}
	}
	return nil
}

func cloneBig(in *big.Int) *big.Int {
	if in == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(in)
}
