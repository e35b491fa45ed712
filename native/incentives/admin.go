package incentives

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"incentives/native/orchestrator"
	"incentives/native/rank"
	"incentives/native/rewards"
	"incentives/native/zone"
)

// ErrUnauthorized is returned when the caller lacks the capability for an
// administrative write.
var ErrUnauthorized = errors.New("incentives: unauthorized")

// Capability names a class of administrative writes.
type Capability string

const (
	CapabilityManageTables       Capability = "tables"
	CapabilityManageRanks        Capability = "ranks"
	CapabilityManageParticipants Capability = "participants"
	CapabilityManageIntegrations Capability = "integrations"
	CapabilityResolveCredits     Capability = "credits"
)

// Authorizer decides whether the caller carried by ctx holds a capability.
type Authorizer func(ctx context.Context, capability Capability) bool

// Admin exposes the administrative interface of a module. Every write is
// gated by the authorizer.
type Admin struct {
	module    *Module
	authorize Authorizer
}

// NewAdmin binds the administrative interface to a module. A nil authorizer
// refuses every write.
func NewAdmin(module *Module, authorize Authorizer) *Admin {
	return &Admin{module: module, authorize: authorize}
}

func (a *Admin) require(ctx context.Context, capability Capability) error {
	if a.authorize == nil || !a.authorize(ctx, capability) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, capability)
	}
	return nil
}

// SetLevelWeight updates one level table entry.
func (a *Admin) SetLevelWeight(ctx context.Context, level uint32, bps uint32) error {
	if err := a.require(ctx, CapabilityManageTables); err != nil {
		return err
	}
	return a.module.tables.SetLevelWeight(level, bps)
}

// SetTierComponent updates one named component of a tier weight.
func (a *Admin) SetTierComponent(ctx context.Context, tier uint8, component string, bps uint32) error {
	if err := a.require(ctx, CapabilityManageTables); err != nil {
		return err
	}
	index, err := rewards.ComponentIndex(component)
	if err != nil {
		return err
	}
	return a.module.tables.SetTierComponent(tier, index, bps)
}

// SetRankWeight updates one rank table entry.
func (a *Admin) SetRankWeight(ctx context.Context, r uint8, bps uint32) error {
	if err := a.require(ctx, CapabilityManageTables); err != nil {
		return err
	}
	return a.module.tables.SetRankWeight(r, bps)
}

// SetRankConfig replaces rank thresholds and structural requirements. Stored
// ranks are never lowered by a new configuration.
func (a *Admin) SetRankConfig(ctx context.Context, cfg rank.Config) error {
	if err := a.require(ctx, CapabilityManageRanks); err != nil {
		return err
	}
	return a.module.ranks.SetConfig(cfg)
}

// SetParticipantLevel reassigns the level attribute used by the level reward.
func (a *Admin) SetParticipantLevel(ctx context.Context, participant common.Address, level uint32) error {
	if err := a.require(ctx, CapabilityManageParticipants); err != nil {
		return err
	}
	return a.module.graph.SetLevel(participant, level)
}

// SetTierSource rebinds the external tier lookup.
func (a *Admin) SetTierSource(ctx context.Context, src orchestrator.TierSource) error {
	if err := a.require(ctx, CapabilityManageIntegrations); err != nil {
		return err
	}
	a.module.orch.SetTierSource(src)
	return nil
}

// SetCreditor rebinds the external credit service.
func (a *Admin) SetCreditor(ctx context.Context, creditor orchestrator.Creditor) error {
	if err := a.require(ctx, CapabilityManageIntegrations); err != nil {
		return err
	}
	a.module.orch.SetCreditor(creditor)
	return nil
}

// ResolveContribution settles a contribution whose credit outcome was unknown.
func (a *Admin) ResolveContribution(ctx context.Context, id common.Hash, credited bool) (*orchestrator.Result, error) {
	if err := a.require(ctx, CapabilityResolveCredits); err != nil {
		return nil, err
	}
	return a.module.orch.Resolve(id, credited)
}

// Status summarises the contribution registry.
func (a *Admin) Status() (orchestrator.Status, error) {
	return a.module.orch.Status()
}

// ParticipantSummary is the administrative read model of one participant in
// one zone.
type ParticipantSummary struct {
	Participant    common.Address
	Referrer       common.Address
	Depth          uint32
	Level          uint32
	UplineChain    []common.Address
	Zone           zone.Zone
	PersonalVolume *big.Int
	TeamVolume     *big.Int
	Rank           rank.Rank
}

// Summary reads rank, volumes and the upline chain of a participant.
func (a *Admin) Summary(participant common.Address, z zone.Zone) ParticipantSummary {
	m := a.module
	summary := ParticipantSummary{
		Participant:    participant,
		UplineChain:    m.graph.UplineChain(participant),
		Zone:           z,
		PersonalVolume: m.ledger.PersonalVolume(participant, z),
		TeamVolume:     m.ledger.TeamVolume(participant, z),
		Rank:           m.ranks.Rank(participant, z),
	}
	if view, ok := m.graph.Participant(participant); ok {
		summary.Depth = view.Depth
		summary.Level = view.Level
		summary.Referrer = view.Referrer
	}
	return summary
}
