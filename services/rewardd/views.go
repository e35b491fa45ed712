package rewardd

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"incentives/native/orchestrator"
	"incentives/native/rewards"
	"incentives/native/zone"
)

type participantView struct {
	Address     string   `json:"address"`
	Referrer    string   `json:"referrer,omitempty"`
	Depth       uint32   `json:"depth"`
	Level       uint32   `json:"level"`
	UplineChain []string `json:"upline_chain"`
	Recruits    int      `json:"recruits"`
	Zones       []string `json:"zones"`
}

func (s *Server) participantView(participant common.Address) participantView {
	view := participantView{Address: participant.Hex(), UplineChain: make([]string, 0), Zones: make([]string, 0)}
	if p, ok := s.module.Participant(participant); ok {
		if p.HasReferrer {
			view.Referrer = p.Referrer.Hex()
		}
		view.Depth = p.Depth
		view.Level = p.Level
		view.Recruits = p.Recruits
		for _, ancestor := range p.Chain {
			view.UplineChain = append(view.UplineChain, ancestor.Hex())
		}
	}
	for _, z := range s.module.Zones(participant) {
		view.Zones = append(view.Zones, string(z))
	}
	return view
}

type zoneView struct {
	Participant    string `json:"participant"`
	Zone           string `json:"zone"`
	PersonalVolume string `json:"personal_volume"`
	TeamVolume     string `json:"team_volume"`
	Rank           uint8  `json:"rank"`
}

func (s *Server) zoneView(participant common.Address, z zone.Zone) zoneView {
	return zoneView{
		Participant:    participant.Hex(),
		Zone:           string(z),
		PersonalVolume: s.module.PersonalVolume(participant, z).String(),
		TeamVolume:     s.module.TeamVolume(participant, z).String(),
		Rank:           uint8(s.module.Rank(participant, z)),
	}
}

type levelShareView struct {
	Ancestor string `json:"ancestor"`
	Level    uint32 `json:"level"`
	Bps      uint32 `json:"bps"`
	Amount   string `json:"amount"`
}

type resultView struct {
	ContributionID string           `json:"contribution_id"`
	Participant    string           `json:"participant"`
	Zone           string           `json:"zone"`
	Amount         string           `json:"amount"`
	Tier           uint8            `json:"tier"`
	Rank           uint8            `json:"rank"`
	Level          string           `json:"level"`
	Sharing        string           `json:"sharing"`
	Ranking        string           `json:"ranking"`
	Credited       string           `json:"credited"`
	LevelShares    []levelShareView `json:"level_shares"`
	TablesVersion  uint64           `json:"tables_version"`
	State          string           `json:"state"`
	ProcessedAt    time.Time        `json:"processed_at"`
	Replayed       bool             `json:"replayed"`
}

func newResultView(res *orchestrator.Result) resultView {
	view := resultView{
		ContributionID: res.ContributionID.Hex(),
		Participant:    res.Participant.Hex(),
		Zone:           string(res.Zone),
		Amount:         bigString(res.Amount),
		Tier:           res.Tier,
		Rank:           uint8(res.Rank),
		Level:          bigString(res.Breakdown.Level),
		Sharing:        bigString(res.Breakdown.Sharing),
		Ranking:        bigString(res.Breakdown.Ranking),
		Credited:       bigString(res.Credited),
		LevelShares:    make([]levelShareView, 0, len(res.Breakdown.LevelShares)),
		TablesVersion:  res.Breakdown.TablesVersion,
		State:          res.State.String(),
		ProcessedAt:    res.ProcessedAt,
		Replayed:       res.Replayed,
	}
	for _, share := range res.Breakdown.LevelShares {
		view.LevelShares = append(view.LevelShares, levelShareView{
			Ancestor: share.Ancestor.Hex(),
			Level:    share.Level,
			Bps:      share.Bps,
			Amount:   bigString(share.Amount),
		})
	}
	return view
}

type tierView struct {
	Tier   uint8  `json:"tier"`
	Level1 uint32 `json:"level1"`
	Level2 uint32 `json:"level2"`
	Level3 uint32 `json:"level3"`
}

type tablesView struct {
	Version uint64            `json:"version"`
	Level   map[uint32]uint32 `json:"level"`
	Tier    []tierView        `json:"tier"`
	Rank    map[uint8]uint32  `json:"rank"`
}

func newTablesView(t rewards.Tables) tablesView {
	view := tablesView{
		Version: t.Version,
		Level:   make(map[uint32]uint32),
		Tier:    make([]tierView, 0, len(t.Tier)),
		Rank:    make(map[uint8]uint32),
	}
	for i := 1; i <= rewards.MaxLevelIndex; i++ {
		if t.Level[i] != 0 {
			view.Level[uint32(i)] = t.Level[i]
		}
	}
	for _, tier := range t.Tiers() {
		shares := t.Tier[tier]
		view.Tier = append(view.Tier, tierView{Tier: tier, Level1: shares[0], Level2: shares[1], Level3: shares[2]})
	}
	for i := 1; i <= rewards.MaxRankIndex; i++ {
		if t.Rank[i] != 0 {
			view.Rank[uint8(i)] = t.Rank[i]
		}
	}
	return view
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
